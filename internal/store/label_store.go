package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rutgerdv/inboxd/internal/model"
)

// UpsertLabel creates a label by name or updates its color/weight if it
// already exists, and returns the stored row.
func (s *SQLiteStore) UpsertLabel(
	ctx context.Context,
	name, color string,
	weight int,
) (*model.Label, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("label name must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO label (name, color, weight) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			color = excluded.color,
			weight = excluded.weight`,
		name, color, weight,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting label %q: %w", name, err)
	}

	var l model.Label
	err = s.db.QueryRowxContext(ctx,
		"SELECT id, name, color, weight FROM label WHERE name = ?", name,
	).Scan(&l.ID, &l.Name, &l.Color, &l.Weight)
	if err != nil {
		return nil, fmt.Errorf("reading label %q: %w", name, err)
	}
	return &l, nil
}

// GetLabels retrieves all labels ordered by weight descending, then name.
func (s *SQLiteStore) GetLabels(ctx context.Context) ([]model.Label, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, name, color, weight FROM label ORDER BY weight DESC, name",
	)
	if err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}
	defer rows.Close()

	var labels []model.Label
	for rows.Next() {
		var l model.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Color, &l.Weight); err != nil {
			return nil, fmt.Errorf("scanning label row: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// DeleteLabel removes a label. CASCADE on message_label removes associations.
func (s *SQLiteStore) DeleteLabel(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM label WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting label %d: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("label %d not found", id)
	}
	return nil
}

// SetMessageLabels replaces all label associations for a message with the
// named set, creating unknown labels on demand. The previous set is fully
// discarded, not merged.
func (s *SQLiteStore) SetMessageLabels(
	ctx context.Context,
	messageID int64,
	names []string,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM message_label WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing labels for message %d: %w", messageID, err)
	}

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO label (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("creating label %q: %w", name, err)
		}

		var labelID int64
		if err := tx.GetContext(ctx, &labelID,
			"SELECT id FROM label WHERE name = ?", name); err != nil {
			return fmt.Errorf("reading label %q: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_label (message_id, label_id) VALUES (?, ?)",
			messageID, labelID); err != nil {
			return fmt.Errorf(
				"labeling message %d with %q: %w", messageID, name, err,
			)
		}
	}

	return tx.Commit()
}

// GetMessageLabels retrieves all labels associated with a message.
func (s *SQLiteStore) GetMessageLabels(
	ctx context.Context,
	messageID int64,
) ([]model.Label, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT l.id, l.name, l.color, l.weight FROM label l
		INNER JOIN message_label ml ON l.id = ml.label_id
		WHERE ml.message_id = ?
		ORDER BY l.name`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying labels for message %d: %w", messageID, err)
	}
	defer rows.Close()

	var labels []model.Label
	for rows.Next() {
		var l model.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Color, &l.Weight); err != nil {
			return nil, fmt.Errorf("scanning label row: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}
