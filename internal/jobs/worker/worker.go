package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gorm.io/gorm"

	jobrepos "github.com/spotforge/spotforge-backend/internal/data/repos/jobs"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	"github.com/spotforge/spotforge-backend/internal/jobs/runtime"
	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

// heartbeatEvery is how often a running claim is refreshed. Keep it well
// under the stale-running cutoff or live stages get reclaimed.
const heartbeatEvery = 15 * time.Second

// Worker drives the durable queue: N loops claim runnable job_run rows and
// dispatch them to registered handlers. Stage bodies run for minutes, so a
// background ticker heartbeats the claim while the handler works.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	runs     jobrepos.JobRunRepo
	registry *runtime.Registry

	concurrency  int
	maxAttempts  int
	retryDelay   time.Duration
	staleRunning time.Duration

	wg sync.WaitGroup
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, runs jobrepos.JobRunRepo, registry *runtime.Registry) *Worker {
	log := baseLog.With("component", "JobWorker")
	w := &Worker{
		db:           db,
		log:          log,
		runs:         runs,
		registry:     registry,
		concurrency:  utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		maxAttempts:  utils.GetEnvAsInt("WORKER_MAX_ATTEMPTS", 3, log),
		retryDelay:   time.Duration(utils.GetEnvAsInt("WORKER_RETRY_DELAY_S", 30, log)) * time.Second,
		staleRunning: time.Duration(utils.GetEnvAsInt("WORKER_STALE_RUNNING_S", 120, log)) * time.Second,
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.maxAttempts < 1 {
		w.maxAttempts = 1
	}
	return w
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool",
		"concurrency", w.concurrency,
		"max_attempts", w.maxAttempts,
		"job_types", w.registry.Types(),
	)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every loop has exited after ctx cancellation.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.runs.ClaimNextRunnable(dbctx.New(ctx, nil), w.maxAttempts, w.retryDelay, w.staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.execute(ctx, workerID, job)
		}
	}
}

func (w *Worker) execute(ctx context.Context, workerID int, job *types.JobRun) {
	jc := runtime.NewContext(ctx, w.db, job, w.runs)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered for job_type",
			"worker_id", workerID,
			"job_type", job.JobType,
			"job_run_id", job.ID,
		)
		jc.Fail("dispatch", &missingHandlerError{JobType: job.JobType})
		return
	}

	w.log.Info("Claimed task",
		"worker_id", workerID,
		"job_type", job.JobType,
		"job_run_id", job.ID,
		"attempt", job.Attempts,
	)

	stopHeartbeat := w.keepAlive(ctx, jc)
	defer stopHeartbeat()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic",
				"worker_id", workerID,
				"job_run_id", job.ID,
				"job_type", job.JobType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			jc.Fail("panic", &panicError{Val: r})
			observability.Current().ObserveStage(job.JobType, domjobs.RunFailed, time.Since(start))
		}
	}()

	if runErr := h.Run(jc); runErr != nil {
		// Handlers report stage via Progress; fail on the last one reported.
		stage := jc.Job.Stage
		if stage == "" {
			stage = "run"
		}
		jc.Fail(stage, runErr)
		observability.Current().ObserveStage(job.JobType, domjobs.RunFailed, time.Since(start))
		w.log.Warn("Task failed",
			"worker_id", workerID,
			"job_type", job.JobType,
			"job_run_id", job.ID,
			"stage", stage,
			"error", runErr,
		)
		return
	}
	observability.Current().ObserveStage(job.JobType, jc.Job.Status, time.Since(start))

	w.log.Debug("Task finished",
		"worker_id", workerID,
		"job_type", job.JobType,
		"job_run_id", job.ID,
		"status", jc.Job.Status,
	)
}

// keepAlive refreshes the claim heartbeat while a handler runs so a slow
// stage is not reclaimed as stale by another loop.
func (w *Worker) keepAlive(ctx context.Context, jc *runtime.Context) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := jc.Heartbeat(); err != nil {
					w.log.Debug("Heartbeat failed", "job_run_id", jc.Job.ID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + e.JobType
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
