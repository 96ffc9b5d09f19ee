package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

func testCore(t *testing.T, baseURL string, concurrency int) *restCore {
	t.Helper()
	core := newRESTCore(logger.NewNop(), "test", baseURL, "sk-test", 1000, concurrency)
	core.baseBackoff = 2 * time.Millisecond
	return core
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 4)
	raw, err := core.do(context.Background(), "POST", "/x", []byte(`{}`))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", raw)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestDoDoesNotRetryValidation(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`missing field: prompt`))
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 4)
	_, err := core.do(context.Background(), "POST", "/x", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected typed provider error, got %T", err)
	}
	if pe.Category != CategoryValidation {
		t.Fatalf("category = %s, want validation", pe.Category)
	}
	if pe.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", pe.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestDoContentPolicyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`request rejected by content policy`))
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 4)
	_, err := core.do(context.Background(), "POST", "/x", nil)
	if Categorize(err) != CategoryFatal {
		t.Fatalf("category = %s, want fatal", Categorize(err))
	}
}

func TestDoUpgradesExhaustedRetriesToFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 4)
	core.maxRetries = 2
	_, err := core.do(context.Background(), "POST", "/x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if Categorize(err) != CategoryFatal {
		t.Fatalf("category = %s, want fatal after exhaustion", Categorize(err))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", got)
	}
}

func TestDoSendsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 4)
	if _, err := core.do(context.Background(), "GET", "/x", nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestDoRespectsConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 2)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := core.do(context.Background(), "GET", "/x", nil); err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("peak concurrency %d exceeds cap 2", p)
	}
}

func TestDoCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	core := testCore(t, srv.URL, 1)
	core.baseBackoff = 5 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := core.do(ctx, "GET", "/x", nil)
	if Categorize(err) != CategoryCanceled {
		t.Fatalf("category = %s, want canceled", Categorize(err))
	}
}
