package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/model"
	"github.com/rutgerdv/inboxd/internal/source/imapmail"
	"github.com/rutgerdv/inboxd/tests/testutil"
)

// fakeSession serves canned messages and records which search path a cycle
// took.
type fakeSession struct {
	mails map[uint32]*imapmail.ParsedMail
	flags map[uint32]model.FlagState

	// failUIDs makes FetchMail fail for specific uids.
	failUIDs map[uint32]bool

	sinceCalls    int
	afterUIDCalls int
	lastAfterUID  uint32
	closed        bool
}

func (f *fakeSession) uids() []uint32 {
	var out []uint32
	for uid := range f.mails {
		out = append(out, uid)
	}
	for uid := range f.failUIDs {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeSession) SearchSince(_ time.Time, _ bool) ([]uint32, error) {
	f.sinceCalls++
	return f.uids(), nil
}

func (f *fakeSession) SearchAfterUID(lastUID uint32, _ bool) ([]uint32, error) {
	f.afterUIDCalls++
	f.lastAfterUID = lastUID
	var out []uint32
	for _, uid := range f.uids() {
		if uid > lastUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeSession) FetchMail(uid uint32) (*imapmail.ParsedMail, error) {
	if f.failUIDs[uid] {
		return nil, errors.New("malformed message")
	}
	m, ok := f.mails[uid]
	if !ok {
		return nil, fmt.Errorf("no such uid %d", uid)
	}
	return m, nil
}

func (f *fakeSession) FetchFlags(uids []uint32) (map[uint32]model.FlagState, error) {
	out := make(map[uint32]model.FlagState)
	for _, uid := range uids {
		if fl, ok := f.flags[uid]; ok {
			out[uid] = fl
		}
	}
	return out, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	sess *fakeSession
	err  error
}

func (d *fakeDialer) Dial(
	_ context.Context, _ model.AccountConfig, _ string,
) (imapmail.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

func mailAt(uid uint32) *imapmail.ParsedMail {
	return &imapmail.ParsedMail{
		UID:       uid,
		MessageID: fmt.Sprintf("<m%d@example.com>", uid),
		Subject:   fmt.Sprintf("mail %d", uid),
		FromEmail: "alice@example.com",
		DateISO: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).
			Add(time.Duration(uid) * time.Hour).Format(time.RFC3339),
		BodyFull: fmt.Sprintf("body %d", uid),
		Unread:   true,
	}
}

func testAccount() model.AccountConfig {
	return model.AccountConfig{ID: "acct", Host: "mail.example.com"}
}

func TestSyncOneFirstCycleBackfills(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	sess := &fakeSession{mails: map[uint32]*imapmail.ParsedMail{
		1: mailAt(1), 2: mailAt(2), 3: mailAt(3),
	}}
	e := NewEngine(s, &fakeDialer{sess: sess}, Policy{BackfillDaysMax: 30}, zap.NewNop())

	res, err := e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)
	be.Equal(t, res.Fetched, 3)
	be.Equal(t, res.Inserted, 3)
	be.Equal(t, res.LastUID, uint32(3))
	be.Equal(t, sess.sinceCalls, 1)
	be.Equal(t, sess.afterUIDCalls, 0)
	be.True(t, sess.closed)

	uid, err := s.LastUID(ctx, "acct:INBOX")
	be.Err(t, err, nil)
	be.Equal(t, uid, uint32(3))
}

func TestSyncOneSecondCycleUsesWatermark(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	sess := &fakeSession{mails: map[uint32]*imapmail.ParsedMail{
		1: mailAt(1), 2: mailAt(2),
	}}
	e := NewEngine(s, &fakeDialer{sess: sess}, Policy{BackfillDaysMax: 30}, zap.NewNop())

	_, err := e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)

	sess.mails[5] = mailAt(5)
	res, err := e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)
	be.Equal(t, sess.afterUIDCalls, 1)
	be.Equal(t, sess.lastAfterUID, uint32(2))
	be.Equal(t, res.Fetched, 1)
	be.Equal(t, res.Inserted, 1)
	be.Equal(t, res.LastUID, uint32(5))
}

func TestSyncOneIsolatesBadMessages(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	sess := &fakeSession{
		mails:    map[uint32]*imapmail.ParsedMail{1: mailAt(1), 3: mailAt(3)},
		failUIDs: map[uint32]bool{2: true},
	}
	e := NewEngine(s, &fakeDialer{sess: sess}, Policy{BackfillDaysMax: 30}, zap.NewNop())

	res, err := e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)
	be.Equal(t, res.Fetched, 3)
	be.Equal(t, res.Inserted, 2)
	be.Equal(t, res.SkippedUIDs, []uint32{2})

	// The watermark still advances past the bad uid so it cannot wedge
	// the pipeline.
	uid, err := s.LastUID(ctx, "acct:INBOX")
	be.Err(t, err, nil)
	be.Equal(t, uid, uint32(3))

	// The next cycle does not re-fetch it.
	res, err = e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)
	be.Equal(t, res.Fetched, 0)
}

func TestSyncOneReconcilesFlags(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	sess := &fakeSession{mails: map[uint32]*imapmail.ParsedMail{1: mailAt(1), 2: mailAt(2)}}
	e := NewEngine(s, &fakeDialer{sess: sess},
		Policy{BackfillDaysMax: 30, FlagSyncRecent: 100}, zap.NewNop())

	_, err := e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)

	// Message 1 was read and starred on another client.
	sess.flags = map[uint32]model.FlagState{
		1: {Unread: false, Flagged: true},
		2: {Unread: true},
	}
	res, err := e.SyncOne(ctx, testAccount(), "INBOX")
	be.Err(t, err, nil)
	be.Equal(t, res.FlagsChanged, 1)

	msgs, err := s.RecentMessages(ctx, 10)
	be.Err(t, err, nil)
	for _, m := range msgs {
		if m.UID == 1 {
			be.Equal(t, m.Unread, false)
			be.Equal(t, m.Flagged, true)
		}
	}
}

func TestSyncAllIsolatesAccountFailures(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	sess := &fakeSession{mails: map[uint32]*imapmail.ParsedMail{1: mailAt(1)}}

	// The dialer fails for the first account and serves the second.
	calls := 0
	dial := dialFunc(func(_ context.Context, acct model.AccountConfig, _ string) (imapmail.Session, error) {
		calls++
		if acct.ID == "broken" {
			return nil, &imapmail.AuthError{AccountID: acct.ID, Message: "bad password"}
		}
		return sess, nil
	})
	e := NewEngine(s, dial, Policy{BackfillDaysMax: 30}, zap.NewNop())

	summary := e.SyncAll(ctx, []model.AccountConfig{
		{ID: "broken", Host: "x"},
		{ID: "acct", Host: "y"},
	})
	be.Equal(t, calls, 2)
	be.Equal(t, len(summary.Failures), 1)
	be.Equal(t, summary.Failures[0].BoxKey, "broken:INBOX")
	be.True(t, imapmail.IsAuthError(summary.Failures[0].Err))
	be.Equal(t, summary.TotalInserted, 1)
}

func TestBackfillRangeIgnoresCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	sess := &fakeSession{mails: map[uint32]*imapmail.ParsedMail{
		1: mailAt(1), 2: mailAt(2), 3: mailAt(3), 4: mailAt(4),
	}}
	e := NewEngine(s, &fakeDialer{sess: sess}, Policy{BackfillDaysMax: 30}, zap.NewNop())

	be.Err(t, s.AdvanceLastUID(ctx, "acct:INBOX", 99), nil)

	res, err := e.BackfillRange(ctx, testAccount(), "INBOX", 365, false, 2)
	be.Err(t, err, nil)
	be.Equal(t, res.Fetched, 2)
	be.Equal(t, res.Inserted, 2)

	// The watermark is untouched.
	uid, err := s.LastUID(ctx, "acct:INBOX")
	be.Err(t, err, nil)
	be.Equal(t, uid, uint32(99))

	// Re-running over the same window inserts nothing new.
	res, err = e.BackfillRange(ctx, testAccount(), "INBOX", 365, false, 2)
	be.Err(t, err, nil)
	be.Equal(t, res.Inserted, 0)
}

// dialFunc adapts a function to the Dialer interface.
type dialFunc func(ctx context.Context, acct model.AccountConfig, mailbox string) (imapmail.Session, error)

func (f dialFunc) Dial(
	ctx context.Context, acct model.AccountConfig, mailbox string,
) (imapmail.Session, error) {
	return f(ctx, acct, mailbox)
}
