package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rutgerdv/inboxd/internal/model"
)

const messageColumns = `id, mailbox, uid, message_id, subject, from_raw, from_name,
	from_email, date_iso, snippet, body_preview, body_hash,
	is_unread, is_answered, is_flagged, in_reply_to, references_raw,
	created_at, updated_at`

// UpsertMessages inserts records not yet present by (mailbox, uid) and
// refreshes the mutable fields of existing ones. Bodies are write-once: a
// body row is created when first available and never overwritten. Returns
// the number of newly inserted messages.
func (s *SQLiteStore) UpsertMessages(
	ctx context.Context,
	records []model.MessageRecord,
) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	now := time.Now().UTC()

	for i := range records {
		r := &records[i]

		var existing struct {
			ID            int64  `db:"id"`
			BodyHash      string `db:"body_hash"`
			BodyPreview   string `db:"body_preview"`
			IsUnread      int    `db:"is_unread"`
			IsAnswered    int    `db:"is_answered"`
			IsFlagged     int    `db:"is_flagged"`
			InReplyTo     string `db:"in_reply_to"`
			ReferencesRaw string `db:"references_raw"`
		}
		err := tx.GetContext(ctx, &existing, `
			SELECT id, body_hash, body_preview, is_unread, is_answered,
				is_flagged, in_reply_to, references_raw
			FROM message WHERE mailbox = ? AND uid = ?`,
			r.Mailbox, r.UID,
		)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, insErr := tx.ExecContext(ctx, `
				INSERT INTO message (
					mailbox, uid, message_id, subject, from_raw, from_name,
					from_email, date_iso, snippet, body_preview, body_hash,
					is_unread, is_answered, is_flagged,
					in_reply_to, references_raw, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.Mailbox, r.UID, r.MessageID, r.Subject, r.FromRaw, r.FromName,
				r.FromEmail, r.DateISO, r.Snippet, r.BodyPreview, r.BodyHash,
				boolToInt(r.Unread), boolToInt(r.Answered), boolToInt(r.Flagged),
				r.InReplyTo, r.ReferencesRaw, now, now,
			)
			if insErr != nil {
				return inserted, fmt.Errorf(
					"inserting message %s/%d: %w", r.Mailbox, r.UID, insErr,
				)
			}
			id, idErr := res.LastInsertId()
			if idErr != nil {
				return inserted, fmt.Errorf("reading inserted id: %w", idErr)
			}
			if r.BodyFull != "" {
				if bodyErr := insertBody(ctx, tx, id, r.BodyFull); bodyErr != nil {
					return inserted, bodyErr
				}
			}
			inserted++

		case err != nil:
			return inserted, fmt.Errorf(
				"looking up message %s/%d: %w", r.Mailbox, r.UID, err,
			)

		default:
			// Only the mutable field set is compared and written, so a
			// re-observed unchanged message causes no update churn.
			var sets []string
			var args []interface{}

			if existing.IsUnread != boolToInt(r.Unread) {
				sets = append(sets, "is_unread = ?")
				args = append(args, boolToInt(r.Unread))
			}
			if existing.IsAnswered != boolToInt(r.Answered) {
				sets = append(sets, "is_answered = ?")
				args = append(args, boolToInt(r.Answered))
			}
			if existing.IsFlagged != boolToInt(r.Flagged) {
				sets = append(sets, "is_flagged = ?")
				args = append(args, boolToInt(r.Flagged))
			}
			if r.BodyHash != "" && existing.BodyHash != r.BodyHash {
				sets = append(sets, "body_hash = ?")
				args = append(args, r.BodyHash)
			}
			if r.BodyPreview != "" && existing.BodyPreview != r.BodyPreview {
				sets = append(sets, "body_preview = ?")
				args = append(args, r.BodyPreview)
			}
			if r.InReplyTo != "" && existing.InReplyTo != r.InReplyTo {
				sets = append(sets, "in_reply_to = ?")
				args = append(args, r.InReplyTo)
			}
			if r.ReferencesRaw != "" && existing.ReferencesRaw != r.ReferencesRaw {
				sets = append(sets, "references_raw = ?")
				args = append(args, r.ReferencesRaw)
			}

			if len(sets) > 0 {
				sets = append(sets, "updated_at = ?")
				args = append(args, now, existing.ID)
				query := "UPDATE message SET " + strings.Join(sets, ", ") +
					" WHERE id = ?"
				if _, updErr := tx.ExecContext(ctx, query, args...); updErr != nil {
					return inserted, fmt.Errorf(
						"updating message %s/%d: %w", r.Mailbox, r.UID, updErr,
					)
				}
			}

			if r.BodyFull != "" {
				if bodyErr := insertBody(ctx, tx, existing.ID, r.BodyFull); bodyErr != nil {
					return inserted, bodyErr
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("committing upsert: %w", err)
	}
	return inserted, nil
}

// insertBody creates the 1:1 body row if none exists. Existing bodies are
// never overwritten.
func insertBody(ctx context.Context, tx *sqlx.Tx, messageID int64, body string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO message_body (message_id, body_full) VALUES (?, ?)",
		messageID, body,
	)
	if err != nil {
		return fmt.Errorf("inserting body for message %d: %w", messageID, err)
	}
	return nil
}

// GetMessageByID retrieves a single message by its local id.
func (s *SQLiteStore) GetMessageByID(
	ctx context.Context,
	id int64,
) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+messageColumns+" FROM message WHERE id = ?", id,
	)

	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	return m, nil
}

// GetMessageBody retrieves the full body text for a message, or "" when no
// body was ever captured.
func (s *SQLiteStore) GetMessageBody(
	ctx context.Context,
	messageID int64,
) (string, error) {
	var body string
	err := s.db.GetContext(ctx, &body,
		"SELECT body_full FROM message_body WHERE message_id = ?", messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting body for message %d: %w", messageID, err)
	}
	return body, nil
}

// RecentUIDs returns the remote uids of the most recent stored messages in a
// mailbox, newest first. Used for flag reconciliation.
func (s *SQLiteStore) RecentUIDs(
	ctx context.Context,
	boxKey string,
	limit int,
) ([]uint32, error) {
	var uids []uint32
	err := s.db.SelectContext(ctx, &uids, `
		SELECT uid FROM message WHERE mailbox = ?
		ORDER BY COALESCE(date_iso, '') DESC, id DESC LIMIT ?`,
		boxKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent uids for %s: %w", boxKey, err)
	}
	return uids, nil
}

// UpdateFlags applies externally observed flag changes for a mailbox. Rows
// whose flags already match are left untouched. Returns the change count.
func (s *SQLiteStore) UpdateFlags(
	ctx context.Context,
	boxKey string,
	flags map[uint32]model.FlagState,
) (int, error) {
	if len(flags) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	changed := 0
	now := time.Now().UTC()

	for uid, f := range flags {
		res, err := tx.ExecContext(ctx, `
			UPDATE message
			SET is_unread = ?, is_answered = ?, is_flagged = ?, updated_at = ?
			WHERE mailbox = ? AND uid = ?
				AND (is_unread != ? OR is_answered != ? OR is_flagged != ?)`,
			boolToInt(f.Unread), boolToInt(f.Answered), boolToInt(f.Flagged), now,
			boxKey, uid,
			boolToInt(f.Unread), boolToInt(f.Answered), boolToInt(f.Flagged),
		)
		if err != nil {
			return changed, fmt.Errorf(
				"updating flags for %s/%d: %w", boxKey, uid, err,
			)
		}
		n, _ := res.RowsAffected()
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return changed, fmt.Errorf("committing flag updates: %w", err)
	}
	return changed, nil
}

// RecentMessages retrieves the most recent messages across all mailboxes,
// ordered by header date descending with id as tiebreaker.
func (s *SQLiteStore) RecentMessages(
	ctx context.Context,
	limit int,
) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+messageColumns+` FROM message
		ORDER BY COALESCE(date_iso, '') DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// RecentMessagesWithAnalysis retrieves recent messages outer-joined with
// their cached analysis, if any. This is the working set for backlog ranking.
func (s *SQLiteStore) RecentMessagesWithAnalysis(
	ctx context.Context,
	limit int,
) ([]MessageWithAnalysis, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT m.id, m.mailbox, m.uid, m.message_id, m.subject, m.from_raw,
			m.from_name, m.from_email, m.date_iso, m.snippet, m.body_preview,
			m.body_hash, m.is_unread, m.is_answered, m.is_flagged,
			m.in_reply_to, m.references_raw, m.created_at, m.updated_at,
			a.id, a.body_hash, a.summary_json, a.last_error,
			a.created_at, a.updated_at
		FROM message m
		LEFT JOIN message_analysis a ON a.message_id = m.id
		ORDER BY COALESCE(m.date_iso, '') DESC, m.id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages with analysis: %w", err)
	}
	defer rows.Close()

	var out []MessageWithAnalysis
	for rows.Next() {
		var (
			m          model.Message
			unread     int
			answered   int
			flagged    int
			aID        sql.NullInt64
			aHash      sql.NullString
			aSummary   sql.NullString
			aErr       sql.NullString
			aCreatedAt sql.NullTime
			aUpdatedAt sql.NullTime
		)
		err := rows.Scan(
			&m.ID, &m.Mailbox, &m.UID, &m.MessageID, &m.Subject, &m.FromRaw,
			&m.FromName, &m.FromEmail, &m.DateISO, &m.Snippet, &m.BodyPreview,
			&m.BodyHash, &unread, &answered, &flagged,
			&m.InReplyTo, &m.ReferencesRaw, &m.CreatedAt, &m.UpdatedAt,
			&aID, &aHash, &aSummary, &aErr, &aCreatedAt, &aUpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message with analysis: %w", err)
		}
		m.Unread = unread != 0
		m.Answered = answered != 0
		m.Flagged = flagged != 0

		item := MessageWithAnalysis{Message: m}
		if aID.Valid {
			item.Analysis = &model.MessageAnalysis{
				ID:          aID.Int64,
				MessageID:   m.ID,
				BodyHash:    aHash.String,
				SummaryJSON: aSummary.String,
				LastError:   aErr.String,
				CreatedAt:   aCreatedAt.Time,
				UpdatedAt:   aUpdatedAt.Time,
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SearchMessages runs a full-text query over subject, sender, snippet, and
// preview. When the FTS index is unavailable it degrades to a substring scan
// over the same fields.
func (s *SQLiteStore) SearchMessages(
	ctx context.Context,
	query string,
	limit int,
) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if !s.ftsBroken {
		msgs, err := s.searchFTS(ctx, query, limit)
		if err == nil {
			return msgs, nil
		}
		s.ftsBroken = true
	}
	return s.searchLike(ctx, query, limit)
}

func (s *SQLiteStore) searchFTS(
	ctx context.Context,
	query string,
	limit int,
) ([]model.Message, error) {
	// Quote the user query so FTS operators in it are treated literally.
	match := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`

	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+prefixedMessageColumns("m")+`
		FROM message m
		JOIN message_fts f ON f.rowid = m.id
		WHERE message_fts MATCH ?
		ORDER BY rank LIMIT ?`, match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (s *SQLiteStore) searchLike(
	ctx context.Context,
	query string,
	limit int,
) ([]model.Message, error) {
	q := "%" + query + "%"
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+messageColumns+` FROM message
		WHERE subject LIKE ? OR from_raw LIKE ? OR snippet LIKE ? OR body_preview LIKE ?
		ORDER BY COALESCE(date_iso, '') DESC, id DESC LIMIT ?`,
		q, q, q, q, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// MessageIDsMissingAnalysis returns the ids of messages without a usable
// analysis row: no row at all, or a recorded error. The analysis layer
// persists empty model results with last_error set, so this condition
// matches Meaningful() for every row it writes; it also re-checks
// meaningfulness per id, so over-selection here is harmless.
func (s *SQLiteStore) MessageIDsMissingAnalysis(
	ctx context.Context,
	f MissingAnalysisFilter,
) ([]int64, error) {
	var conditions []string
	var args []interface{}

	conditions = append(conditions, `NOT EXISTS (
		SELECT 1 FROM message_analysis a
		WHERE a.message_id = m.id
			AND a.last_error = ''
			AND a.summary_json != ''
	)`)
	if f.UnreadOnly {
		conditions = append(conditions, "m.is_unread = 1")
	}

	query := "SELECT m.id FROM message m WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY COALESCE(m.date_iso, '') DESC, m.id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages missing analysis: %w", err)
	}
	return ids, nil
}

// prefixedMessageColumns renders the message column list with a table alias.
func prefixedMessageColumns(alias string) string {
	cols := strings.Split(messageColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m        model.Message
		unread   int
		answered int
		flagged  int
	)

	err := rows.Scan(
		&m.ID, &m.Mailbox, &m.UID, &m.MessageID, &m.Subject, &m.FromRaw,
		&m.FromName, &m.FromEmail, &m.DateISO, &m.Snippet, &m.BodyPreview,
		&m.BodyHash, &unread, &answered, &flagged,
		&m.InReplyTo, &m.ReferencesRaw, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	m.Unread = unread != 0
	m.Answered = answered != 0
	m.Flagged = flagged != 0
	return m, nil
}

// scanMessageRow scans a single message from a sqlx.Row.
func scanMessageRow(row *sqlx.Row) (*model.Message, error) {
	var (
		m        model.Message
		unread   int
		answered int
		flagged  int
	)

	err := row.Scan(
		&m.ID, &m.Mailbox, &m.UID, &m.MessageID, &m.Subject, &m.FromRaw,
		&m.FromName, &m.FromEmail, &m.DateISO, &m.Snippet, &m.BodyPreview,
		&m.BodyHash, &unread, &answered, &flagged,
		&m.InReplyTo, &m.ReferencesRaw, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Unread = unread != 0
	m.Answered = answered != 0
	m.Flagged = flagged != 0
	return &m, nil
}

func collectMessages(rows *sqlx.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
