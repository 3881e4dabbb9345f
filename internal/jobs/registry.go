package jobs

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle phase of a batch job.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"

	// StateDone is the normal terminal state, reached even when some
	// items failed; failures show up in the counters.
	StateDone State = "done"

	// StateError means the batch loop itself faulted before finishing.
	StateError State = "error"
)

// Terminal reports whether a job in this state will never change again.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

const (
	// recentResultsMax bounds the per-job ring of item outcomes.
	recentResultsMax = 20

	// retainedTerminal bounds how many finished jobs the registry keeps;
	// older ones are evicted when a new job finishes.
	retainedTerminal = 50
)

// ItemResult records the outcome of one message within a batch job.
type ItemResult struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// BatchJob is the progress record of one background analysis batch. After
// every item, Processed equals OK + Skipped + Errors.
type BatchJob struct {
	ID    string `json:"id"`
	State State  `json:"state"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	OK        int `json:"ok"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`

	// LastMessageID is the most recently processed message, 0 before the
	// first item completes.
	LastMessageID int64  `json:"last_message_id"`
	LastError     string `json:"last_error,omitempty"`

	// Recent holds the newest item outcomes, capped at recentResultsMax.
	Recent []ItemResult `json:"recent,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Remaining is the number of items not yet processed.
func (j *BatchJob) Remaining() int {
	return j.Total - j.Processed
}

// Pct is the completion percentage, 100 for an empty job.
func (j *BatchJob) Pct() int {
	if j.Total == 0 {
		return 100
	}
	return j.Processed * 100 / j.Total
}

func (j *BatchJob) clone() *BatchJob {
	out := *j
	out.Recent = append([]ItemResult(nil), j.Recent...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// Registry tracks batch jobs by id.
type Registry interface {
	// Put stores or replaces a job snapshot.
	Put(job *BatchJob)

	// Get returns a snapshot of the job, or nil when unknown.
	Get(id string) *BatchJob

	// List returns snapshots of all known jobs, newest first.
	List() []*BatchJob
}

// MemoryRegistry is an in-process Registry. Running jobs are never evicted;
// finished ones are retained up to a fixed count.
type MemoryRegistry struct {
	mu   sync.Mutex
	jobs map[string]*BatchJob
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{jobs: make(map[string]*BatchJob)}
}

func (r *MemoryRegistry) Put(job *BatchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.clone()
	if job.State.Terminal() {
		r.evictLocked()
	}
}

func (r *MemoryRegistry) Get(id string) *BatchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	return job.clone()
}

func (r *MemoryRegistry) List() []*BatchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BatchJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.clone())
	}
	// ULIDs sort lexicographically by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *MemoryRegistry) evictLocked() {
	var terminal []*BatchJob
	for _, job := range r.jobs {
		if job.State.Terminal() {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= retainedTerminal {
		return
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].ID < terminal[j].ID })
	for _, job := range terminal[:len(terminal)-retainedTerminal] {
		delete(r.jobs, job.ID)
	}
}
