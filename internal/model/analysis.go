package model

import (
	"encoding/json"
	"time"
)

// MessageAnalysis is the cached triage result for one message. At most one
// row exists per message id; every analysis attempt overwrites it, including
// failed attempts (LastError set, SummaryJSON empty).
type MessageAnalysis struct {
	ID        int64
	MessageID int64

	// BodyHash is the digest of the exact normalized text that was
	// analyzed. When it matches the message's current normalized text,
	// the cached result is still valid.
	BodyHash    string
	SummaryJSON string
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenUsage reports prompt/completion token counts from a model call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Summary is the validated shape of a triage result. The model's raw output
// is coerced into this before persisting: at most 3 bullets, key actions and
// labels, urgency/importance clamped to 0..5, confidence to 0..1.
type Summary struct {
	Version    int        `json:"version"`
	Lang       string     `json:"lang"`
	Bullets    []string   `json:"bullets"`
	KeyActions []string   `json:"key_actions"`
	Urgency    int        `json:"urgency"`
	Importance int        `json:"importance"`
	Priority   int        `json:"priority"`
	Labels     []string   `json:"labels"`
	Confidence float64    `json:"confidence"`
	Truncated  bool       `json:"truncated"`
	Model      string     `json:"model"`
	TokenUsage TokenUsage `json:"token_usage"`
	Notes      string     `json:"notes,omitempty"`
}

// Summary parses the stored JSON. Returns nil when the column is empty or
// does not parse.
func (a *MessageAnalysis) Summary() *Summary {
	if a == nil || a.SummaryJSON == "" {
		return nil
	}
	var s Summary
	if err := json.Unmarshal([]byte(a.SummaryJSON), &s); err != nil {
		return nil
	}
	return &s
}

// HasContent reports whether the summary carries at least one piece of
// actual triage content. A syntactically valid but all-zero summary does
// not count.
func (s *Summary) HasContent() bool {
	return len(s.Bullets) > 0 ||
		len(s.KeyActions) > 0 ||
		len(s.Labels) > 0 ||
		s.Importance > 0 ||
		s.Urgency > 0 ||
		s.Priority > 0
}

// Meaningful reports whether this row carries a usable triage result: no
// recorded error and a summary with at least one piece of actual content.
// A row that exists but is not meaningful represents "attempted, failed or
// empty" and should be retried on the next pass.
func (a *MessageAnalysis) Meaningful() bool {
	if a == nil || a.LastError != "" {
		return false
	}
	s := a.Summary()
	if s == nil {
		return false
	}
	return s.HasContent()
}
