package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nalgeon/be"
	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/model"
	"github.com/rutgerdv/inboxd/internal/store"
	"github.com/rutgerdv/inboxd/tests/testutil"
)

// fakeAnalyzer counts calls and plays back a canned response or error.
type fakeAnalyzer struct {
	calls    int
	response string
	err      error
}

func (f *fakeAnalyzer) ChatJSON(
	_ context.Context, _, _, _ string,
) (json.RawMessage, model.TokenUsage, error) {
	f.calls++
	if f.err != nil {
		return nil, model.TokenUsage{}, f.err
	}
	return json.RawMessage(f.response), model.TokenUsage{Prompt: 10, Completion: 5}, nil
}

const goodResponse = `{"version":2,"lang":"en","bullets":["needs a reply"],` +
	`"key_actions":["answer by friday"],"urgency":3,"importance":4,` +
	`"labels":["work"],"confidence":0.9}`

func seedMessage(t *testing.T, s store.Store, uid uint32, preview string) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertMessages(ctx, []model.MessageRecord{{
		Message: model.Message{
			Mailbox:     "acct:INBOX",
			UID:         uid,
			Subject:     "subject",
			FromName:    "Alice",
			FromEmail:   "alice@example.com",
			DateISO:     "2026-08-20T00:00:00Z",
			BodyPreview: preview,
			Unread:      true,
		},
	}})
	be.Err(t, err, nil)

	msgs, err := s.RecentMessages(ctx, 100)
	be.Err(t, err, nil)
	for _, m := range msgs {
		if m.UID == uid {
			return m.ID
		}
	}
	t.Fatalf("seeded message uid %d not found", uid)
	return 0
}

func TestEnsureAnalysisCachesByContent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	llm := &fakeAnalyzer{response: goodResponse}
	svc := NewService(s, llm, Options{}, zap.NewNop())

	id := seedMessage(t, s, 1, "please review the draft")

	res, err := svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusOK)
	be.Equal(t, res.Skipped, false)
	be.Equal(t, llm.calls, 1)

	// Same content: cached result reused, no second model call.
	res, err = svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusOK)
	be.Equal(t, res.Skipped, true)
	be.Equal(t, llm.calls, 1)

	// Force bypasses the cache.
	res, err = svc.EnsureAnalysis(ctx, id, EnsureOptions{Force: true})
	be.Err(t, err, nil)
	be.Equal(t, res.Skipped, false)
	be.Equal(t, llm.calls, 2)
}

func TestEnsureAnalysisInvalidatesOnContentChange(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	llm := &fakeAnalyzer{response: goodResponse}
	svc := NewService(s, llm, Options{}, zap.NewNop())

	id := seedMessage(t, s, 1, "original text")
	_, err := svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, llm.calls, 1)

	// A re-synced message with a different preview shifts the content
	// hash, so the cached analysis no longer applies.
	_, err = s.UpsertMessages(ctx, []model.MessageRecord{{
		Message: model.Message{
			Mailbox: "acct:INBOX", UID: 1, Subject: "subject",
			FromName: "Alice", FromEmail: "alice@example.com",
			DateISO: "2026-08-20T00:00:00Z",
			BodyPreview: "rewritten text", Unread: true,
		},
	}})
	be.Err(t, err, nil)

	res, err := svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Skipped, false)
	be.Equal(t, llm.calls, 2)
}

func TestEnsureAnalysisPersistsFailures(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	llm := &fakeAnalyzer{err: errors.New("model timed out")}
	svc := NewService(s, llm, Options{}, zap.NewNop())

	id := seedMessage(t, s, 1, "body")

	res, err := svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusError)
	be.True(t, res.Analysis != nil)
	be.Equal(t, res.Analysis.LastError, "model timed out")

	// The failed row is not a cache hit: the next pass retries.
	llm.err = nil
	llm.response = goodResponse
	res, err = svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusOK)
	be.Equal(t, res.Skipped, false)
	be.Equal(t, res.Analysis.LastError, "")
	be.Equal(t, llm.calls, 2)
}

func TestEnsureAnalysisEmptyResultIsFailure(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	llm := &fakeAnalyzer{response: `{}`}
	svc := NewService(s, llm, Options{}, zap.NewNop())

	id := seedMessage(t, s, 1, "body")

	// Valid JSON with no triage content is recorded as a failed attempt,
	// not cached as a success.
	res, err := svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusError)
	be.True(t, res.Analysis != nil)
	be.Equal(t, res.Analysis.LastError, "empty result from model")
	be.Equal(t, res.Analysis.Meaningful(), false)

	// The message stays selectable for a batch retry.
	ids, err := s.MessageIDsMissingAnalysis(ctx, store.MissingAnalysisFilter{})
	be.Err(t, err, nil)
	be.Equal(t, ids, []int64{id})

	llm.response = goodResponse
	res, err = svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusOK)
	be.Equal(t, llm.calls, 2)
}

func TestEnsureAnalysisAppliesLabels(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	llm := &fakeAnalyzer{response: goodResponse}
	svc := NewService(s, llm, Options{}, zap.NewNop())

	id := seedMessage(t, s, 1, "body")
	_, err := svc.EnsureAnalysis(ctx, id, EnsureOptions{})
	be.Err(t, err, nil)

	labels, err := s.GetMessageLabels(ctx, id)
	be.Err(t, err, nil)
	be.Equal(t, len(labels), 1)
	be.Equal(t, labels[0].Name, "work")
}

func TestEnsureAnalysisUnknownMessage(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	svc := NewService(s, &fakeAnalyzer{response: goodResponse}, Options{}, zap.NewNop())

	res, err := svc.EnsureAnalysis(ctx, 12345, EnsureOptions{})
	be.Err(t, err, nil)
	be.Equal(t, res.Status, StatusNotFound)
}

func TestSanitizeSummaryClamps(t *testing.T) {
	raw := json.RawMessage(`{
		"version": 0,
		"bullets": ["a", "b", "c", "d", "e"],
		"key_actions": ["", "x"],
		"urgency": 11,
		"importance": -2,
		"priority": 999,
		"labels": ["one", "two", "three", "four"],
		"confidence": 1.7
	}`)

	s := sanitizeSummary(raw, model.TokenUsage{Prompt: 3}, "test-model", true)

	be.Equal(t, s.Version, 2)
	be.Equal(t, len(s.Bullets), 3)
	be.Equal(t, s.KeyActions, []string{"x"})
	be.Equal(t, s.Urgency, 5)
	be.Equal(t, s.Importance, 0)
	// Priority is always recomputed, never trusted from the model.
	be.Equal(t, s.Priority, DerivePriority(0, 5))
	be.Equal(t, len(s.Labels), 3)
	be.Equal(t, s.Confidence, 1.0)
	be.Equal(t, s.Truncated, true)
	be.Equal(t, s.Model, "test-model")
	be.Equal(t, s.TokenUsage.Prompt, 3)
}

func TestSummarizeManyIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	llm := &fakeAnalyzer{response: goodResponse}
	svc := NewService(s, llm, Options{}, zap.NewNop())

	a := seedMessage(t, s, 1, "first")
	b := seedMessage(t, s, 2, "second")

	outcomes := svc.SummarizeMany(ctx, []int64{a, 999, b}, "", false)
	be.Equal(t, len(outcomes), 3)
	be.Equal(t, outcomes[0].Status, StatusOK)
	be.Equal(t, outcomes[1].Status, StatusNotFound)
	be.Equal(t, outcomes[2].Status, StatusOK)
}
