package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/model"
)

// Scheduler drives periodic SyncAll passes: one immediately at startup,
// then one per interval. This is the only timer-driven activity in the
// system; everything else runs on demand.
type Scheduler struct {
	engine   *Engine
	accounts []model.AccountConfig
	interval time.Duration
	log      *zap.Logger

	// afterSync, when set, runs after every completed pass with its
	// summary. Used to chain follow-up work such as analysis batches.
	afterSync func(Summary)

	triggerCh chan struct{}
	stopCh    chan struct{}
	mu        gosync.Mutex
	running   bool
}

// NewScheduler creates a scheduler over the given engine and account set.
func NewScheduler(
	engine *Engine,
	accounts []model.AccountConfig,
	interval time.Duration,
	log *zap.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Scheduler{
		engine:    engine,
		accounts:  accounts,
		interval:  interval,
		log:       log,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// OnSummary registers a callback invoked after each sync pass. Must be
// called before Start.
func (s *Scheduler) OnSummary(fn func(Summary)) {
	s.afterSync = fn
}

// Start launches the polling goroutine. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
}

// Stop halts the polling goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

// TriggerNow requests an immediate SyncAll pass without waiting for the
// ticker. Non-blocking; a pending trigger is coalesced.
func (s *Scheduler) TriggerNow() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Immediate first pass at startup.
	s.runOnce()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		case <-s.triggerCh:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	summary := s.engine.SyncAll(context.Background(), s.accounts)
	s.log.Info("poll pass complete",
		zap.Int("fetched", summary.TotalFetched),
		zap.Int("inserted", summary.TotalInserted),
		zap.Int("mailboxes", len(summary.Mailboxes)),
		zap.Int("failures", len(summary.Failures)),
	)
	if s.afterSync != nil {
		s.afterSync(summary)
	}
}
