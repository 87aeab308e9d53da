package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgallion1/docextract/internal/progress"
)

var (
	// ErrNoActiveJob is returned by Pause and Cancel when no non-terminal
	// job exists for the pair.
	ErrNoActiveJob = errors.New("no active extraction for this source/dataset")

	// ErrNothingToResume is returned by Resume when no paused job exists.
	ErrNothingToResume = errors.New("no paused extraction for this source/dataset")
)

// Manager controls the lifecycle of extraction jobs: it creates rows,
// dispatches them to a bounded worker pool, and turns pause/resume/cancel
// requests into conditional status transitions. Cancellation is cooperative:
// the engine observes transitions at its suspension points, never mid-call.
type Manager struct {
	store  *progress.Store
	engine *Engine
	log    *slog.Logger

	queue  chan int64
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workerCount int
}

func NewManager(store *progress.Store, engine *Engine, log *slog.Logger, workerCount, queueSize int) *Manager {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Manager{
		store:       store,
		engine:      engine,
		log:         log,
		queue:       make(chan int64, queueSize),
		workerCount: workerCount,
	}
}

// Start launches the worker goroutines.
func (m *Manager) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case id, ok := <-m.queue:
					if !ok {
						return
					}
					if err := m.engine.Run(workerCtx, id); err != nil {
						m.log.Error("job run ended with error", "job_id", id, "error", err)
					}
				}
			}
		}()
	}
}

// Stop gracefully shuts down the worker pool. In-flight jobs observe the
// context cancellation at their next suspension point. The queue stays open
// so a StartJob racing shutdown cannot panic on a closed channel; anything
// still queued is durable and the poller picks it up on the next start.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// StartJob creates a scheduled row and hands it to a worker. When a
// non-terminal row already exists the existing job id is returned together
// with progress.ErrAlreadyActive, making a repeated start idempotent from
// the caller's view.
func (m *Manager) StartJob(ctx context.Context, spec progress.JobSpec) (int64, error) {
	id, err := m.store.CreateJob(ctx, spec)
	if errors.Is(err, progress.ErrAlreadyActive) {
		return id, err
	}
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}

	select {
	case m.queue <- id:
	default:
		// Queue full: the row is durable, the poller will pick it up.
		m.log.Warn("worker queue full, deferring job to poller", "job_id", id)
	}
	return id, nil
}

// Pause requests a pause. The engine observes it at its next suspension
// point; pausing an already paused job succeeds.
func (m *Manager) Pause(ctx context.Context, source, dataset string) error {
	job, err := m.store.GetLatest(ctx, source, dataset)
	if errors.Is(err, progress.ErrNotFound) {
		return ErrNoActiveJob
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrNoActiveJob
	}
	if job.Status == progress.StatusPaused {
		return nil
	}
	return m.store.Transition(ctx, job.ID,
		[]progress.Status{progress.StatusInProgress, progress.StatusScheduled},
		progress.StatusPaused, "Extraction paused by user")
}

// Resume schedules a paused job for resumption; the batch poller picks it
// up and continues from the recorded file and chunk.
func (m *Manager) Resume(ctx context.Context, source, dataset string) error {
	job, err := m.store.GetLatest(ctx, source, dataset)
	if errors.Is(err, progress.ErrNotFound) {
		return ErrNothingToResume
	}
	if err != nil {
		return err
	}
	if job.Status != progress.StatusPaused {
		return ErrNothingToResume
	}
	return m.store.Transition(ctx, job.ID,
		[]progress.Status{progress.StatusPaused},
		progress.StatusScheduled, "Extraction scheduled for resumption")
}

// Cancel moves any non-terminal job to cancelled. The engine stops at its
// next suspension point; processed counters keep whatever was committed.
func (m *Manager) Cancel(ctx context.Context, source, dataset string) error {
	job, err := m.store.GetLatest(ctx, source, dataset)
	if errors.Is(err, progress.ErrNotFound) {
		return ErrNoActiveJob
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrNoActiveJob
	}
	return m.store.Transition(ctx, job.ID, nil, progress.StatusCancelled,
		"Extraction cancelled by user")
}

// Clear marks a non-terminal job cleared, releasing the (source, dataset)
// pair for a fresh run. Clearing a terminal or absent job is a no-op.
func (m *Manager) Clear(ctx context.Context, source, dataset string) error {
	job, err := m.store.GetLatest(ctx, source, dataset)
	if errors.Is(err, progress.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	return m.store.Transition(ctx, job.ID, nil, progress.StatusCleared,
		"Extraction state cleared")
}

// Status returns the latest job record for the pair, any status.
func (m *Manager) Status(ctx context.Context, source, dataset string) (*progress.Job, error) {
	return m.store.GetLatest(ctx, source, dataset)
}

// List returns all jobs, newest first.
func (m *Manager) List(ctx context.Context) ([]*progress.Job, error) {
	return m.store.ListAll(ctx)
}
