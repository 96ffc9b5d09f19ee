// Package observability holds the ops surface: otel tracing init and a
// dependency-free Prometheus exposition endpoint. Metrics are env-gated so
// dev machines and tests pay nothing.
package observability

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	providerRequests *CounterVec
	providerLatency  *HistogramVec
	jobCost          *CounterVec

	stageDuration *HistogramVec
	stageTotal    *CounterVec
	stageError    *Counter

	sseClients *Gauge

	queueDepth *GaugeVec
	pgStats    *GaugeVec
	redisUp    *Gauge
	redisPing  *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// Current returns the process-wide instance, nil when metrics are disabled.
// Every method is nil-safe so call sites skip the guard.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			apiRequests: NewCounterVec("sf_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"sf_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			apiInflight: NewGauge("sf_api_inflight_requests", "In-flight API requests."),
			providerRequests: NewCounterVec(
				"sf_provider_requests_total",
				"Generative provider HTTP calls by provider/endpoint/status.",
				[]string{"provider", "endpoint", "status"},
			),
			providerLatency: NewHistogramVec(
				"sf_provider_request_duration_seconds",
				"Generative provider HTTP call latency in seconds by provider/endpoint/status.",
				[]string{"provider", "endpoint", "status"},
				[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			),
			jobCost: NewCounterVec(
				"sf_job_cost_usd_total",
				"Provider spend booked to jobs (USD) by phase.",
				[]string{"phase"},
			),
			stageDuration: NewHistogramVec(
				"sf_pipeline_stage_duration_seconds",
				"Pipeline stage duration in seconds by stage/status.",
				[]string{"stage", "status"},
				[]float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			),
			stageTotal: NewCounterVec(
				"sf_pipeline_stage_total",
				"Pipeline stage count by stage/status.",
				[]string{"stage", "status"},
			),
			stageError: NewCounter("sf_pipeline_stage_error_total", "Pipeline stage count with failure status."),
			sseClients: NewGauge("sf_sse_clients", "Connected SSE stream clients."),
			queueDepth: NewGaugeVec("sf_job_queue_depth", "job_run rows by status.", []string{"status"}),
			pgStats:    NewGaugeVec("sf_postgres_pool", "Postgres connection pool stats.", []string{"stat"}),
			redisUp:    NewGauge("sf_redis_up", "Redis reachability (1 up, 0 down)."),
			redisPing:  NewGauge("sf_redis_ping_seconds", "Redis ping round trip in seconds."),
		}
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	parts := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.providerRequests, m.providerLatency, m.jobCost,
		m.stageDuration, m.stageTotal, m.stageError,
		m.sseClients,
		m.queueDepth, m.pgStats, m.redisUp, m.redisPing,
	}
	for _, p := range parts {
		if err := p.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

// CountAPI records a request without a latency sample. SSE streams go
// through here: their duration is the client's attention span, not ours.
func (m *Metrics) CountAPI(method, route, status string) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// ObserveProviderCall records one provider HTTP round trip (after retries).
func (m *Metrics) ObserveProviderCall(provider, endpoint, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.Inc(provider, endpoint, status)
	m.providerLatency.Observe(dur.Seconds(), provider, endpoint, status)
}

// AddJobCost books provider spend against a phase label.
func (m *Metrics) AddJobCost(phase string, amountUSD float64) {
	if m == nil || amountUSD == 0 {
		return
	}
	if phase == "" {
		phase = "unattributed"
	}
	m.jobCost.Add(amountUSD, phase)
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Observe(dur.Seconds(), stage, status)
	m.stageTotal.Inc(stage, status)
	if status == domjobs.RunFailed {
		m.stageError.Inc()
	}
}

func (m *Metrics) SSEClientsInc() {
	if m == nil {
		return
	}
	m.sseClients.Inc()
}

func (m *Metrics) SSEClientsDec() {
	if m == nil {
		return
	}
	m.sseClients.Dec()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{
		domjobs.RunQueued, domjobs.RunRunning,
		domjobs.RunSucceeded, domjobs.RunFailed, domjobs.RunCanceled,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&types.JobRun{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), status)
				}
			}
		}
	}()
}
