package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgallion1/docextract/internal/progress"
)

// Poller is the background loop that re-hydrates jobs whose in-memory state
// was lost (process restart) or whose owner scheduled a resumption. Jobs run
// one at a time to keep the single-writer-per-job invariant.
type Poller struct {
	store    *progress.Store
	engine   *Engine
	log      *slog.Logger
	interval time.Duration
}

func NewPoller(store *progress.Store, engine *Engine, log *slog.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Poller{
		store:    store,
		engine:   engine,
		log:      log,
		interval: interval,
	}
}

// Start runs the poll loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	jobs, err := p.store.ListPending(ctx)
	if err != nil {
		p.log.Error("poll: list pending", "error", err)
		return
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Re-check under a fresh read; the row may have settled since the scan.
		fresh, err := p.store.GetByID(ctx, job.ID)
		if err != nil {
			p.log.Error("poll: re-read job", "job_id", job.ID, "error", err)
			continue
		}
		if !p.runnable(fresh) {
			continue
		}

		p.log.Info("poller adopting job", "job_id", fresh.ID,
			"source", fresh.Source, "dataset", fresh.Dataset, "status", fresh.Status)
		if err := p.engine.Run(ctx, fresh.ID); err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				// Leave the row alone; a later poll will retry it.
				continue
			}
			p.log.Error("poll: job run failed", "job_id", fresh.ID, "error", err)
			if terr := p.store.Transition(ctx, fresh.ID, nil, progress.StatusFailed, err.Error()); terr != nil {
				p.log.Error("poll: could not record failure", "job_id", fresh.ID, "error", terr)
			}
		}
	}
}

// runnable selects rows the poller should drive: scheduled ones, and
// in_progress orphans that never reached an end time. Paused rows stay put
// until their owner resumes them.
func (p *Poller) runnable(job *progress.Job) bool {
	switch job.Status {
	case progress.StatusScheduled:
		return true
	case progress.StatusInProgress:
		return job.EndTime == nil
	default:
		return false
	}
}
