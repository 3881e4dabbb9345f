package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/analysis"
	"github.com/rutgerdv/inboxd/internal/store"
)

// Selector picks the messages a batch job will analyze.
type Selector struct {
	// UnreadOnly restricts the batch to unread messages.
	UnreadOnly bool

	// Limit caps the number of messages selected. Zero means no cap.
	Limit int

	// Force re-analyzes even messages with a valid cached result.
	Force bool

	// Model overrides the default model for this batch.
	Model string
}

// Runner submits and tracks background analysis batches. Each batch runs on
// its own goroutine; progress is visible through the registry while it runs.
type Runner struct {
	store    store.Store
	analyzer *analysis.Service
	registry Registry
	log      *zap.Logger
}

// NewRunner creates a batch runner.
func NewRunner(s store.Store, a *analysis.Service, r Registry, log *zap.Logger) *Runner {
	return &Runner{store: s, analyzer: a, registry: r, log: log}
}

// Submit resolves the selector against the store, records a queued job, and
// starts processing in the background. It returns the job snapshot
// immediately; poll Status for progress.
func (r *Runner) Submit(ctx context.Context, sel Selector) (*BatchJob, error) {
	ids, err := r.store.MessageIDsMissingAnalysis(ctx, store.MissingAnalysisFilter{
		UnreadOnly: sel.UnreadOnly,
		Limit:      sel.Limit,
	})
	if err != nil {
		return nil, err
	}

	job := &BatchJob{
		ID:        ulid.Make().String(),
		State:     StateQueued,
		Total:     len(ids),
		StartedAt: time.Now().UTC(),
	}
	r.registry.Put(job)

	go r.run(job, ids, sel)

	return job.clone(), nil
}

// Status returns a snapshot of the job, or nil when the id is unknown.
func (r *Runner) Status(id string) *BatchJob {
	return r.registry.Get(id)
}

// List returns snapshots of all tracked jobs, newest first.
func (r *Runner) List() []*BatchJob {
	return r.registry.List()
}

// run processes the batch. The job object is owned by this goroutine; the
// registry only ever sees snapshots.
func (r *Runner) run(job *BatchJob, ids []int64, sel Selector) {
	ctx := context.Background()

	job.State = StateRunning
	r.registry.Put(job)

	r.log.Info("batch analysis started",
		zap.String("job_id", job.ID),
		zap.Int("total", job.Total),
		zap.Bool("force", sel.Force))

	// Per-item failures are counted and the batch still ends done; only a
	// fault in the loop itself marks the job failed.
	fault := r.processAll(ctx, job, ids, sel)

	job.State = StateDone
	if fault != nil {
		job.State = StateError
		job.LastError = fault.Error()
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	r.registry.Put(job)

	r.log.Info("batch analysis finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(job.State)),
		zap.Int("ok", job.OK),
		zap.Int("skipped", job.Skipped),
		zap.Int("errors", job.Errors))
}

// processAll walks the batch, publishing progress after every item. A panic
// anywhere under an item aborts the remainder and is returned as the
// orchestration fault.
func (r *Runner) processAll(
	ctx context.Context,
	job *BatchJob,
	ids []int64,
	sel Selector,
) (fault error) {
	defer func() {
		if rec := recover(); rec != nil {
			fault = fmt.Errorf("batch aborted: %v", rec)
		}
	}()
	for _, id := range ids {
		r.processOne(ctx, job, id, sel)
	}
	return nil
}

func (r *Runner) processOne(ctx context.Context, job *BatchJob, id int64, sel Selector) {
	res, err := r.analyzer.EnsureAnalysis(ctx, id, analysis.EnsureOptions{
		Force: sel.Force,
		Model: sel.Model,
	})

	item := ItemResult{MessageID: id}
	switch {
	case err != nil:
		item.Status = string(analysis.StatusError)
		item.Error = err.Error()
		job.Errors++
		job.LastError = err.Error()
	case res.Status == analysis.StatusError:
		item.Status = string(res.Status)
		if res.Analysis != nil {
			item.Error = res.Analysis.LastError
			job.LastError = res.Analysis.LastError
		}
		job.Errors++
	case res.Status == analysis.StatusNotFound:
		item.Status = string(res.Status)
		item.Skipped = true
		job.Skipped++
	case res.Skipped:
		item.Status = string(res.Status)
		item.Skipped = true
		job.Skipped++
	default:
		item.Status = string(res.Status)
		job.OK++
	}

	job.Processed++
	job.LastMessageID = id
	job.Recent = append(job.Recent, item)
	if len(job.Recent) > recentResultsMax {
		job.Recent = job.Recent[len(job.Recent)-recentResultsMax:]
	}
	r.registry.Put(job)
}
