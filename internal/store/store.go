package store

import (
	"context"

	"github.com/rutgerdv/inboxd/internal/model"
)

// MessageWithAnalysis pairs a message with its cached analysis, if any.
type MessageWithAnalysis struct {
	model.Message
	Analysis *model.MessageAnalysis
}

// MissingAnalysisFilter selects messages that do not yet carry a meaningful
// analysis result.
type MissingAnalysisFilter struct {
	UnreadOnly bool
	Limit      int
}

// Store defines the persistence interface for messages, cursors, analysis
// results, labels, and memory items.
type Store interface {
	// === Mailbox cursors ===

	// LastUID returns the watermark for a box key, creating the cursor
	// row lazily at 0 on first reference.
	LastUID(ctx context.Context, boxKey string) (uint32, error)

	// AdvanceLastUID raises the watermark to uid if it is higher than the
	// stored value and stamps last_seen. It never lowers the watermark.
	AdvanceLastUID(ctx context.Context, boxKey string, uid uint32) error

	GetCursor(ctx context.Context, boxKey string) (*model.MailboxCursor, error)

	// === Messages ===

	// UpsertMessages inserts records not yet present by (mailbox, uid) and
	// conditionally refreshes the mutable fields of existing ones. Returns
	// the number of newly inserted messages.
	UpsertMessages(ctx context.Context, records []model.MessageRecord) (int, error)

	GetMessageByID(ctx context.Context, id int64) (*model.Message, error)
	GetMessageBody(ctx context.Context, messageID int64) (string, error)

	// RecentUIDs returns the remote uids of the most recent stored
	// messages in a mailbox, newest first.
	RecentUIDs(ctx context.Context, boxKey string, limit int) ([]uint32, error)

	// UpdateFlags applies externally observed flag changes. Rows whose
	// flags already match are left untouched. Returns the change count.
	UpdateFlags(ctx context.Context, boxKey string, flags map[uint32]model.FlagState) (int, error)

	RecentMessages(ctx context.Context, limit int) ([]model.Message, error)
	RecentMessagesWithAnalysis(ctx context.Context, limit int) ([]MessageWithAnalysis, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]model.Message, error)
	MessageIDsMissingAnalysis(ctx context.Context, f MissingAnalysisFilter) ([]int64, error)

	// === Analysis ===

	GetAnalysis(ctx context.Context, messageID int64) (*model.MessageAnalysis, error)

	// SaveAnalysis creates or overwrites the single analysis row for a
	// message. Failures are stored too: lastError set, summaryJSON empty.
	SaveAnalysis(ctx context.Context, messageID int64, bodyHash, summaryJSON, lastError string) error

	// === Labels ===

	UpsertLabel(ctx context.Context, name, color string, weight int) (*model.Label, error)
	GetLabels(ctx context.Context) ([]model.Label, error)
	DeleteLabel(ctx context.Context, id int64) error

	// SetMessageLabels replaces all label associations for a message with
	// the named set, creating unknown labels on demand.
	SetMessageLabels(ctx context.Context, messageID int64, names []string) error
	GetMessageLabels(ctx context.Context, messageID int64) ([]model.Label, error)

	// === Memory items ===

	UpsertMemoryItem(ctx context.Context, item model.MemoryItem) error
	GetMemoryItems(ctx context.Context, includeExpired bool) ([]model.MemoryItem, error)
	DeleteMemoryItem(ctx context.Context, kind, key string) error
}
