package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rutgerdv/inboxd/internal/model"
)

// UpsertMemoryItem creates or replaces the fact stored under (kind, key).
func (s *SQLiteStore) UpsertMemoryItem(
	ctx context.Context,
	item model.MemoryItem,
) error {
	if strings.TrimSpace(item.Kind) == "" || strings.TrimSpace(item.Key) == "" {
		return fmt.Errorf("memory item kind and key must not be empty")
	}

	now := time.Now().UTC()
	var expires interface{}
	if item.ExpiresAt != nil {
		expires = item.ExpiresAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_item (
			kind, key, value, weight, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, key) DO UPDATE SET
			value = excluded.value,
			weight = excluded.weight,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		item.Kind, item.Key, item.Value, item.Weight, expires, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting memory item %s/%s: %w", item.Kind, item.Key, err)
	}
	return nil
}

// GetMemoryItems retrieves memory items grouped by kind, heaviest first.
// With includeExpired false, items past their expiry are filtered out; this
// is the variant the prompt builder uses. Plain listing passes true.
func (s *SQLiteStore) GetMemoryItems(
	ctx context.Context,
	includeExpired bool,
) ([]model.MemoryItem, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, kind, key, value, weight, expires_at, created_at, updated_at
		FROM memory_item
		ORDER BY kind, weight DESC, key`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying memory items: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var items []model.MemoryItem
	for rows.Next() {
		var (
			item    model.MemoryItem
			expires sql.NullTime
		)
		err := rows.Scan(
			&item.ID, &item.Kind, &item.Key, &item.Value, &item.Weight,
			&expires, &item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning memory item row: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			item.ExpiresAt = &t
		}
		if !includeExpired && item.Expired(now) {
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteMemoryItem removes the fact stored under (kind, key).
func (s *SQLiteStore) DeleteMemoryItem(ctx context.Context, kind, key string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM memory_item WHERE kind = ? AND key = ?", kind, key,
	)
	if err != nil {
		return fmt.Errorf("deleting memory item %s/%s: %w", kind, key, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("memory item %s/%s not found", kind, key)
	}
	return nil
}
