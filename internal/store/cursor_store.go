package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rutgerdv/inboxd/internal/model"
)

// ensureMailbox creates the cursor row for boxKey at watermark 0 if it does
// not exist yet. Cursors are never deleted.
func (s *SQLiteStore) ensureMailbox(ctx context.Context, boxKey string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO mailbox (name, last_uid) VALUES (?, 0)", boxKey,
	)
	if err != nil {
		return fmt.Errorf("ensuring mailbox %s: %w", boxKey, err)
	}
	return nil
}

// LastUID returns the watermark for a box key, creating the cursor lazily.
func (s *SQLiteStore) LastUID(ctx context.Context, boxKey string) (uint32, error) {
	if err := s.ensureMailbox(ctx, boxKey); err != nil {
		return 0, err
	}

	var lastUID uint32
	err := s.db.GetContext(ctx, &lastUID,
		"SELECT last_uid FROM mailbox WHERE name = ?", boxKey,
	)
	if err != nil {
		return 0, fmt.Errorf("reading last_uid for %s: %w", boxKey, err)
	}
	return lastUID, nil
}

// AdvanceLastUID raises the watermark to uid if higher than the stored value
// and stamps last_seen. The MAX guard keeps the watermark monotonic even if
// callers race or replay an old cycle.
func (s *SQLiteStore) AdvanceLastUID(ctx context.Context, boxKey string, uid uint32) error {
	if err := s.ensureMailbox(ctx, boxKey); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE mailbox SET last_uid = MAX(last_uid, ?), last_seen = ? WHERE name = ?",
		uid, time.Now().UTC(), boxKey,
	)
	if err != nil {
		return fmt.Errorf("advancing last_uid for %s: %w", boxKey, err)
	}
	return nil
}

// GetCursor retrieves the full cursor row for a box key, or nil when the box
// has never been referenced.
func (s *SQLiteStore) GetCursor(ctx context.Context, boxKey string) (*model.MailboxCursor, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT id, name, last_uid, last_seen FROM mailbox WHERE name = ?", boxKey,
	)

	var c model.MailboxCursor
	var lastSeen sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &c.LastUID, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor %s: %w", boxKey, err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		c.LastSeen = &t
	}
	return &c, nil
}
