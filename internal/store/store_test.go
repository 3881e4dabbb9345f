package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"github.com/rutgerdv/inboxd/internal/model"
	"github.com/rutgerdv/inboxd/internal/store"
	"github.com/rutgerdv/inboxd/tests/testutil"
)

func record(boxKey string, uid uint32, subject string) model.MessageRecord {
	return model.MessageRecord{
		Message: model.Message{
			Mailbox:   boxKey,
			UID:       uid,
			MessageID: "<msg-" + subject + "@example.com>",
			Subject:   subject,
			FromRaw:   "Alice <alice@example.com>",
			FromName:  "Alice",
			FromEmail: "alice@example.com",
			DateISO:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Hour).Format(time.RFC3339),
			Snippet:   "snippet of " + subject,
			BodyHash:  "hash-" + subject,
			Unread:    true,
		},
		BodyFull: "full body of " + subject,
	}
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	rec := record("acct:INBOX", 1, "hello")
	n, err := s.UpsertMessages(ctx, []model.MessageRecord{rec})
	be.Err(t, err, nil)
	be.Equal(t, n, 1)

	// Same (mailbox, uid) again: no new row.
	n, err = s.UpsertMessages(ctx, []model.MessageRecord{rec})
	be.Err(t, err, nil)
	be.Equal(t, n, 0)

	msgs, err := s.RecentMessages(ctx, 10)
	be.Err(t, err, nil)
	be.Equal(t, len(msgs), 1)
}

func TestUpsertMessagesRefreshesMutableFields(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	rec := record("acct:INBOX", 1, "hello")
	_, err := s.UpsertMessages(ctx, []model.MessageRecord{rec})
	be.Err(t, err, nil)

	rec.Unread = false
	rec.Flagged = true
	rec.BodyPreview = "updated preview"
	n, err := s.UpsertMessages(ctx, []model.MessageRecord{rec})
	be.Err(t, err, nil)
	be.Equal(t, n, 0)

	msgs, err := s.RecentMessages(ctx, 10)
	be.Err(t, err, nil)
	be.Equal(t, len(msgs), 1)
	be.Equal(t, msgs[0].Unread, false)
	be.Equal(t, msgs[0].Flagged, true)
	be.Equal(t, msgs[0].BodyPreview, "updated preview")
}

func TestBodyIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	rec := record("acct:INBOX", 1, "hello")
	_, err := s.UpsertMessages(ctx, []model.MessageRecord{rec})
	be.Err(t, err, nil)

	msgs, err := s.RecentMessages(ctx, 1)
	be.Err(t, err, nil)
	id := msgs[0].ID

	body, err := s.GetMessageBody(ctx, id)
	be.Err(t, err, nil)
	be.Equal(t, body, "full body of hello")

	// A re-observed message with different body bytes never rewrites the
	// stored body.
	rec.BodyFull = "tampered body"
	_, err = s.UpsertMessages(ctx, []model.MessageRecord{rec})
	be.Err(t, err, nil)

	body, err = s.GetMessageBody(ctx, id)
	be.Err(t, err, nil)
	be.Equal(t, body, "full body of hello")
}

func TestUpdateFlagsCountsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	box := "acct:INBOX"
	_, err := s.UpsertMessages(ctx, []model.MessageRecord{
		record(box, 1, "one"),
		record(box, 2, "two"),
	})
	be.Err(t, err, nil)

	n, err := s.UpdateFlags(ctx, box, map[uint32]model.FlagState{
		1: {Unread: false, Answered: true}, // changed
		2: {Unread: true},                  // identical to stored state
		9: {Unread: false},                 // unknown uid
	})
	be.Err(t, err, nil)
	be.Equal(t, n, 1)

	msgs, err := s.RecentMessages(ctx, 10)
	be.Err(t, err, nil)
	for _, m := range msgs {
		if m.UID == 1 {
			be.Equal(t, m.Unread, false)
			be.Equal(t, m.Answered, true)
		}
	}
}

func TestRecentUIDsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	box := "acct:INBOX"
	_, err := s.UpsertMessages(ctx, []model.MessageRecord{
		record(box, 1, "one"),
		record(box, 2, "two"),
		record(box, 3, "three"),
	})
	be.Err(t, err, nil)

	uids, err := s.RecentUIDs(ctx, box, 2)
	be.Err(t, err, nil)
	be.Equal(t, uids, []uint32{3, 2})
}

func TestCursorWatermarkMonotone(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	box := "acct:INBOX"
	uid, err := s.LastUID(ctx, box)
	be.Err(t, err, nil)
	be.Equal(t, uid, uint32(0))

	be.Err(t, s.AdvanceLastUID(ctx, box, 42), nil)
	uid, err = s.LastUID(ctx, box)
	be.Err(t, err, nil)
	be.Equal(t, uid, uint32(42))

	// Lower values never move the watermark back.
	be.Err(t, s.AdvanceLastUID(ctx, box, 7), nil)
	uid, err = s.LastUID(ctx, box)
	be.Err(t, err, nil)
	be.Equal(t, uid, uint32(42))

	cur, err := s.GetCursor(ctx, box)
	be.Err(t, err, nil)
	be.True(t, cur != nil)
	be.Equal(t, cur.LastUID, uint32(42))
}

func TestSetMessageLabelsReplaces(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.UpsertMessages(ctx, []model.MessageRecord{record("acct:INBOX", 1, "hello")})
	be.Err(t, err, nil)
	msgs, _ := s.RecentMessages(ctx, 1)
	id := msgs[0].ID

	be.Err(t, s.SetMessageLabels(ctx, id, []string{"work", "newsletter"}), nil)
	labels, err := s.GetMessageLabels(ctx, id)
	be.Err(t, err, nil)
	be.Equal(t, len(labels), 2)

	// A later assignment replaces the whole set, it never merges.
	be.Err(t, s.SetMessageLabels(ctx, id, []string{"personal"}), nil)
	labels, err = s.GetMessageLabels(ctx, id)
	be.Err(t, err, nil)
	be.Equal(t, len(labels), 1)
	be.Equal(t, labels[0].Name, "personal")

	// The label vocabulary itself keeps every name ever seen.
	all, err := s.GetLabels(ctx)
	be.Err(t, err, nil)
	be.Equal(t, len(all), 3)
}

func TestMemoryItemExpiry(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	past := time.Now().Add(-time.Hour)
	be.Err(t, s.UpsertMemoryItem(ctx, model.MemoryItem{
		Kind: model.MemoryKindRule, Key: "expired", Value: "old", ExpiresAt: &past,
	}), nil)
	be.Err(t, s.UpsertMemoryItem(ctx, model.MemoryItem{
		Kind: model.MemoryKindRule, Key: "alive", Value: "current",
	}), nil)

	active, err := s.GetMemoryItems(ctx, false)
	be.Err(t, err, nil)
	be.Equal(t, len(active), 1)
	be.Equal(t, active[0].Key, "alive")

	all, err := s.GetMemoryItems(ctx, true)
	be.Err(t, err, nil)
	be.Equal(t, len(all), 2)
}

func TestSaveAnalysisOverwrites(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.UpsertMessages(ctx, []model.MessageRecord{record("acct:INBOX", 1, "hello")})
	be.Err(t, err, nil)
	msgs, _ := s.RecentMessages(ctx, 1)
	id := msgs[0].ID

	be.Err(t, s.SaveAnalysis(ctx, id, "hash1", "", "model timed out"), nil)
	a, err := s.GetAnalysis(ctx, id)
	be.Err(t, err, nil)
	be.True(t, a != nil)
	be.Equal(t, a.LastError, "model timed out")
	be.Equal(t, a.Meaningful(), false)

	be.Err(t, s.SaveAnalysis(ctx, id, "hash2", `{"version":2,"bullets":["x"]}`, ""), nil)
	a, err = s.GetAnalysis(ctx, id)
	be.Err(t, err, nil)
	be.Equal(t, a.BodyHash, "hash2")
	be.Equal(t, a.LastError, "")
	be.Equal(t, a.Meaningful(), true)
}

func TestMessageIDsMissingAnalysis(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	box := "acct:INBOX"
	read := record(box, 1, "read")
	read.Unread = false
	_, err := s.UpsertMessages(ctx, []model.MessageRecord{
		read,
		record(box, 2, "unread-analyzed"),
		record(box, 3, "unread-pending"),
	})
	be.Err(t, err, nil)

	msgs, _ := s.RecentMessages(ctx, 10)
	byUID := map[uint32]int64{}
	for _, m := range msgs {
		byUID[m.UID] = m.ID
	}
	be.Err(t, s.SaveAnalysis(ctx, byUID[2], "h", `{"version":2,"bullets":["x"]}`, ""), nil)

	ids, err := s.MessageIDsMissingAnalysis(ctx, store.MissingAnalysisFilter{UnreadOnly: true})
	be.Err(t, err, nil)
	be.Equal(t, ids, []int64{byUID[3]})

	ids, err = s.MessageIDsMissingAnalysis(ctx, store.MissingAnalysisFilter{})
	be.Err(t, err, nil)
	be.Equal(t, len(ids), 2)
}

func TestSearchMessages(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.UpsertMessages(ctx, []model.MessageRecord{
		record("acct:INBOX", 1, "quarterly report"),
		record("acct:INBOX", 2, "lunch plans"),
	})
	be.Err(t, err, nil)

	got, err := s.SearchMessages(ctx, "quarterly", 10)
	be.Err(t, err, nil)
	be.Equal(t, len(got), 1)
	be.Equal(t, got[0].Subject, "quarterly report")

	got, err = s.SearchMessages(ctx, "nothing-matches-this", 10)
	be.Err(t, err, nil)
	be.Equal(t, len(got), 0)
}
