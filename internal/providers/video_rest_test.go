package providers

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

func videoFixture(t *testing.T, mux *http.ServeMux) VideoGenerator {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Setenv("VIDEO_API_BASE_URL", srv.URL)
	t.Setenv("VIDEO_API_KEY", "vk-test")
	return NewRESTVideo(logger.NewNop())
}

func TestGenerateChunkSubmitPollDownload(t *testing.T) {
	mux := http.NewServeMux()
	var downloadURL string
	mux.HandleFunc("/v1/video_generation", func(w http.ResponseWriter, r *http.Request) {
		var req videoSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode submit: %v", err)
		}
		if req.Model != "T2V-01-Director" {
			t.Errorf("upstream model = %q", req.Model)
		}
		if req.FirstFrameImage == "" {
			t.Error("expected first frame in submit")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id":   "task-1",
			"base_resp": map[string]interface{}{"status_code": 0},
		})
	})
	mux.HandleFunc("/v1/query/video_generation", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("task_id") != "task-1" {
			t.Errorf("task_id = %q", r.URL.Query().Get("task_id"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id": "task-1",
			"status":  "Success",
			"file_id": "file-9",
		})
	})
	mux.HandleFunc("/v1/files/retrieve", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("file_id") != "file-9" {
			t.Errorf("file_id = %q", r.URL.Query().Get("file_id"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"file": map[string]interface{}{"download_url": downloadURL},
		})
	})
	mux.HandleFunc("/files/file-9.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("MP4DATA"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	downloadURL = srv.URL + "/files/file-9.mp4"
	t.Setenv("VIDEO_API_BASE_URL", srv.URL)
	t.Setenv("VIDEO_API_KEY", "vk-test")
	v := NewRESTVideo(logger.NewNop())

	mp4, usage, err := v.GenerateChunk(context.Background(), VideoRequest{
		ModelTag:   "hailuo_fast",
		Prompt:     "a watch rotating",
		FirstFrame: []byte("PNGDATA"),
		DurationS:  5,
	})
	if err != nil {
		t.Fatalf("GenerateChunk: %v", err)
	}
	if string(mp4) != "MP4DATA" {
		t.Fatalf("payload = %q", mp4)
	}
	want := videoModels["hailuo_fast"].CostPerChunkUSD
	if math.Abs(usage.CostUSD-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", usage.CostUSD, want)
	}
}

func TestGenerateChunkSubmitRejectionIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/video_generation", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id":   "",
			"base_resp": map[string]interface{}{"status_code": 2013, "status_msg": "prompt rejected"},
		})
	})
	v := videoFixture(t, mux)

	_, _, err := v.GenerateChunk(context.Background(), VideoRequest{
		ModelTag: "hailuo_fast", Prompt: "x", DurationS: 5,
	})
	if Categorize(err) != CategoryFatal {
		t.Fatalf("category = %s, want fatal", Categorize(err))
	}
}

func TestGenerateChunkTaskFailureIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/video_generation", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id":   "task-2",
			"base_resp": map[string]interface{}{"status_code": 0},
		})
	})
	mux.HandleFunc("/v1/query/video_generation", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id": "task-2",
			"status":  "Fail",
			"reason":  "internal render error",
		})
	})
	v := videoFixture(t, mux)

	_, _, err := v.GenerateChunk(context.Background(), VideoRequest{
		ModelTag: "hailuo_fast", Prompt: "x", DurationS: 5,
	})
	if Categorize(err) != CategoryFatal {
		t.Fatalf("category = %s, want fatal", Categorize(err))
	}
}

func TestGenerateChunkUnknownModelTag(t *testing.T) {
	v := videoFixture(t, http.NewServeMux())
	_, _, err := v.GenerateChunk(context.Background(), VideoRequest{
		ModelTag: "sora_9000", Prompt: "x", DurationS: 5,
	})
	if Categorize(err) != CategoryValidation {
		t.Fatalf("category = %s, want validation", Categorize(err))
	}
}

func TestLookupVideoModelDefaults(t *testing.T) {
	m, err := LookupVideoModel("")
	if err != nil {
		t.Fatalf("LookupVideoModel: %v", err)
	}
	if m.Tag != DefaultVideoModelTag {
		t.Fatalf("tag = %q, want default", m.Tag)
	}
	if m.ChunkDurationS <= 0 {
		t.Fatal("chunk duration must be positive")
	}
}

func TestVideoModelTagsStable(t *testing.T) {
	tags := VideoModelTags()
	if len(tags) != 3 {
		t.Fatalf("tags = %v", tags)
	}
	for i := 1; i < len(tags); i++ {
		if tags[i-1] >= tags[i] {
			t.Fatalf("tags not sorted: %v", tags)
		}
	}
}
