package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rutgerdv/inboxd/internal/model"
)

// GetAnalysis retrieves the cached analysis row for a message, or nil when
// no attempt has been recorded yet.
func (s *SQLiteStore) GetAnalysis(
	ctx context.Context,
	messageID int64,
) (*model.MessageAnalysis, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, message_id, body_hash, summary_json, last_error,
			created_at, updated_at
		FROM message_analysis WHERE message_id = ?`, messageID,
	)

	var a model.MessageAnalysis
	err := row.Scan(
		&a.ID, &a.MessageID, &a.BodyHash, &a.SummaryJSON, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting analysis for message %d: %w", messageID, err)
	}
	return &a, nil
}

// SaveAnalysis creates or overwrites the single analysis row for a message.
// Every attempt is recorded, success or failure, so errors stay visible and
// retryable instead of being silently dropped.
func (s *SQLiteStore) SaveAnalysis(
	ctx context.Context,
	messageID int64,
	bodyHash, summaryJSON, lastError string,
) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_analysis (
			message_id, body_hash, summary_json, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			body_hash = excluded.body_hash,
			summary_json = excluded.summary_json,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		messageID, bodyHash, summaryJSON, lastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving analysis for message %d: %w", messageID, err)
	}
	return nil
}
