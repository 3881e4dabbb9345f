package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/model"
	"github.com/rutgerdv/inboxd/internal/source/imapmail"
	"github.com/rutgerdv/inboxd/internal/store"
)

// flagChunkSize is the number of uids per FLAGS fetch during reconciliation.
const flagChunkSize = 200

// Policy holds the fetch policy applied to every standard sync cycle.
type Policy struct {
	// BackfillDaysMax bounds the very first sync of a mailbox to a date
	// window instead of its entire history.
	BackfillDaysMax int

	// OnlyUnseen restricts searches to unseen messages.
	OnlyUnseen bool

	// FlagSyncRecent is how many recent stored messages get their flags
	// re-checked each cycle. 0 disables reconciliation.
	FlagSyncRecent int
}

// CycleResult summarizes one mailbox's sync cycle.
type CycleResult struct {
	AccountID string
	Mailbox   string
	BoxKey    string

	Fetched  int
	Inserted int
	LastUID  uint32

	// SkippedUIDs lists uids that failed to fetch or upsert this cycle.
	// The watermark advances past them after the one attempt, so they
	// stay visible here instead of silently disappearing.
	SkippedUIDs []uint32

	FlagsChanged int
}

// CycleFailure records a mailbox whose whole cycle aborted (login/select).
type CycleFailure struct {
	BoxKey string
	Err    error
}

// Summary aggregates a SyncAll pass over every configured mailbox.
type Summary struct {
	TotalFetched  int
	TotalInserted int
	Mailboxes     []CycleResult
	Failures      []CycleFailure
}

// Engine drives incremental mailbox synchronization: cursor-based fetch
// windows, idempotent upsert, and flag reconciliation.
type Engine struct {
	store  store.Store
	dial   imapmail.Dialer
	policy Policy
	log    *zap.Logger
}

// NewEngine creates a sync engine over the given store and dialer.
func NewEngine(
	s store.Store,
	dial imapmail.Dialer,
	policy Policy,
	log *zap.Logger,
) *Engine {
	return &Engine{
		store:  s,
		dial:   dial,
		policy: policy,
		log:    log,
	}
}

// SyncOne runs a standard polling cycle for one (account, mailbox) pair:
// select the fetch window from the cursor, pull and upsert candidates,
// reconcile flags for recent messages, then persist the new watermark.
// Single-message failures are isolated; only connection-level failures
// abort the cycle.
func (e *Engine) SyncOne(
	ctx context.Context,
	acct model.AccountConfig,
	mailbox string,
) (*CycleResult, error) {
	boxKey := model.BoxKey(acct.ID, mailbox)
	log := e.log.With(
		zap.String("box", boxKey),
		zap.String("run_id", uuid.New().String()),
	)

	lastUID, err := e.store.LastUID(ctx, boxKey)
	if err != nil {
		return nil, err
	}

	sess, err := e.dial.Dial(ctx, acct, mailbox)
	if err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", boxKey, err)
	}
	// Connection lifetime is scoped to one cycle.
	defer sess.Close()

	var uids []uint32
	if lastUID == 0 {
		since := time.Now().UTC().AddDate(0, 0, -e.policy.BackfillDaysMax)
		uids, err = sess.SearchSince(since, e.policy.OnlyUnseen)
	} else {
		uids, err = sess.SearchAfterUID(lastUID, e.policy.OnlyUnseen)
	}
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", boxKey, err)
	}

	result := &CycleResult{
		AccountID: acct.ID,
		Mailbox:   mailbox,
		BoxKey:    boxKey,
		Fetched:   len(uids),
	}

	maxUIDSeen := lastUID
	for _, uid := range uids {
		// A single bad message must not wedge the pipeline: the
		// watermark advances past it after this one attempt, and the
		// uid is reported in SkippedUIDs.
		if uid > maxUIDSeen {
			maxUIDSeen = uid
		}

		parsed, fetchErr := sess.FetchMail(uid)
		if fetchErr != nil {
			log.Warn("fetch failed, skipping message",
				zap.Uint32("uid", uid), zap.Error(fetchErr))
			result.SkippedUIDs = append(result.SkippedUIDs, uid)
			continue
		}

		inserted, upsertErr := e.store.UpsertMessages(
			ctx, []model.MessageRecord{recordFromParsed(boxKey, parsed)},
		)
		if upsertErr != nil {
			log.Warn("upsert failed, skipping message",
				zap.Uint32("uid", uid), zap.Error(upsertErr))
			result.SkippedUIDs = append(result.SkippedUIDs, uid)
			continue
		}
		result.Inserted += inserted
	}

	result.FlagsChanged = e.reconcileFlags(ctx, sess, boxKey, log)

	// The watermark is persisted only after upserts and reconciliation
	// are complete; a crash before this point just re-fetches ids the
	// idempotent upsert already absorbed.
	if err := e.store.AdvanceLastUID(ctx, boxKey, maxUIDSeen); err != nil {
		return result, err
	}
	result.LastUID = maxUIDSeen

	log.Info("sync cycle complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", len(result.SkippedUIDs)),
		zap.Int("flags_changed", result.FlagsChanged),
		zap.Uint32("last_uid", result.LastUID),
	)
	return result, nil
}

// reconcileFlags re-fetches flags for the most recent stored messages to
// capture read/star changes made outside this system. Chunk failures are
// isolated; reconciliation is best-effort.
func (e *Engine) reconcileFlags(
	ctx context.Context,
	sess imapmail.Session,
	boxKey string,
	log *zap.Logger,
) int {
	if e.policy.FlagSyncRecent <= 0 {
		return 0
	}

	recentUIDs, err := e.store.RecentUIDs(ctx, boxKey, e.policy.FlagSyncRecent)
	if err != nil {
		log.Warn("reading recent uids failed", zap.Error(err))
		return 0
	}

	changed := 0
	for start := 0; start < len(recentUIDs); start += flagChunkSize {
		end := start + flagChunkSize
		if end > len(recentUIDs) {
			end = len(recentUIDs)
		}

		flags, err := sess.FetchFlags(recentUIDs[start:end])
		if err != nil {
			log.Warn("flag fetch failed for chunk", zap.Error(err))
			continue
		}

		n, err := e.store.UpdateFlags(ctx, boxKey, flags)
		if err != nil {
			log.Warn("flag update failed for chunk", zap.Error(err))
			continue
		}
		changed += n
	}
	return changed
}

// SyncAll runs SyncOne over every configured (account, mailbox) pair
// sequentially. A failure on one pair does not prevent the others.
func (e *Engine) SyncAll(
	ctx context.Context,
	accounts []model.AccountConfig,
) Summary {
	var summary Summary
	for _, acct := range accounts {
		for _, mailbox := range acct.MailboxNames() {
			res, err := e.SyncOne(ctx, acct, mailbox)
			if err != nil {
				boxKey := model.BoxKey(acct.ID, mailbox)
				e.log.Error("mailbox cycle failed",
					zap.String("box", boxKey), zap.Error(err))
				summary.Failures = append(summary.Failures, CycleFailure{
					BoxKey: boxKey,
					Err:    err,
				})
				continue
			}
			summary.TotalFetched += res.Fetched
			summary.TotalInserted += res.Inserted
			summary.Mailboxes = append(summary.Mailboxes, *res)
		}
	}
	return summary
}

// BackfillRange runs a deliberate historical catch-up over a date window.
// It ignores the cursor entirely: the watermark is neither read nor
// advanced, and the idempotent upsert absorbs re-observed messages.
// limit > 0 caps the number of candidates processed.
func (e *Engine) BackfillRange(
	ctx context.Context,
	acct model.AccountConfig,
	mailbox string,
	days int,
	onlyUnseen bool,
	limit int,
) (*CycleResult, error) {
	boxKey := model.BoxKey(acct.ID, mailbox)
	log := e.log.With(zap.String("box", boxKey), zap.String("op", "backfill"))

	sess, err := e.dial.Dial(ctx, acct, mailbox)
	if err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", boxKey, err)
	}
	defer sess.Close()

	since := time.Now().UTC().AddDate(0, 0, -days)
	uids, err := sess.SearchSince(since, onlyUnseen)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", boxKey, err)
	}

	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	result := &CycleResult{
		AccountID: acct.ID,
		Mailbox:   mailbox,
		BoxKey:    boxKey,
		Fetched:   len(uids),
	}

	for _, uid := range uids {
		parsed, fetchErr := sess.FetchMail(uid)
		if fetchErr != nil {
			log.Warn("fetch failed, skipping message",
				zap.Uint32("uid", uid), zap.Error(fetchErr))
			result.SkippedUIDs = append(result.SkippedUIDs, uid)
			continue
		}

		inserted, upsertErr := e.store.UpsertMessages(
			ctx, []model.MessageRecord{recordFromParsed(boxKey, parsed)},
		)
		if upsertErr != nil {
			log.Warn("upsert failed, skipping message",
				zap.Uint32("uid", uid), zap.Error(upsertErr))
			result.SkippedUIDs = append(result.SkippedUIDs, uid)
			continue
		}
		result.Inserted += inserted
	}

	log.Info("backfill complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
	)
	return result, nil
}

// recordFromParsed maps a normalized fetch result onto a storable record.
func recordFromParsed(boxKey string, p *imapmail.ParsedMail) model.MessageRecord {
	return model.MessageRecord{
		Message: model.Message{
			Mailbox:       boxKey,
			UID:           p.UID,
			MessageID:     p.MessageID,
			Subject:       p.Subject,
			FromRaw:       p.FromRaw,
			FromName:      p.FromName,
			FromEmail:     p.FromEmail,
			DateISO:       p.DateISO,
			Snippet:       p.Snippet,
			BodyPreview:   p.BodyPreview,
			BodyHash:      p.BodyHash,
			Unread:        p.Unread,
			Answered:      p.Answered,
			Flagged:       p.Flagged,
			InReplyTo:     p.InReplyTo,
			ReferencesRaw: p.ReferencesRaw,
		},
		BodyFull: p.BodyFull,
	}
}
