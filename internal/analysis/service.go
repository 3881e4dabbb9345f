package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/model"
	"github.com/rutgerdv/inboxd/internal/store"
)

const (
	defaultMaxBodyChars   = 6000
	defaultMemoryMaxChars = 3000

	maxBullets    = 3
	maxKeyActions = 3
	maxLabels     = 3
)

// EnsureStatus is the outcome class of an EnsureAnalysis call.
type EnsureStatus string

const (
	StatusOK       EnsureStatus = "ok"
	StatusError    EnsureStatus = "error"
	StatusNotFound EnsureStatus = "not_found"
)

// EnsureResult reports what EnsureAnalysis did for one message.
type EnsureResult struct {
	Status EnsureStatus

	// Skipped is true when a still-valid cached result was reused and no
	// external call was made.
	Skipped bool

	Analysis *model.MessageAnalysis
}

// EnsureOptions tunes a single EnsureAnalysis call.
type EnsureOptions struct {
	// Force re-analyzes even when the cached result is still valid.
	Force bool

	// Model overrides the client's default model for this call.
	Model string
}

// ItemOutcome is the per-message result of a SummarizeMany pass.
type ItemOutcome struct {
	MessageID int64
	Status    EnsureStatus
	Skipped   bool
	Error     string
}

// Options configures a Service.
type Options struct {
	MaxBodyChars   int
	MemoryMaxChars int
}

// Service is the content-hash keyed analysis cache. It decides when a
// (re)analysis is required, invokes the model, persists results and error
// state, and applies derived labels.
//
// Concurrent calls for different message ids are safe. Concurrent calls for
// the same id are not coordinated: both may decide "needs analysis" and
// both write, last writer wins. Accepted for single-operator usage.
type Service struct {
	store store.Store
	llm   Analyzer
	log   *zap.Logger

	maxBodyChars   int
	memoryMaxChars int
}

// NewService creates an analysis service over the given store and model
// client.
func NewService(s store.Store, llm Analyzer, opts Options, log *zap.Logger) *Service {
	if opts.MaxBodyChars <= 0 {
		opts.MaxBodyChars = defaultMaxBodyChars
	}
	if opts.MemoryMaxChars <= 0 {
		opts.MemoryMaxChars = defaultMemoryMaxChars
	}
	return &Service{
		store:          s,
		llm:            llm,
		log:            log,
		maxBodyChars:   opts.MaxBodyChars,
		memoryMaxChars: opts.MemoryMaxChars,
	}
}

// EnsureAnalysis returns a valid cached analysis for the message or produces
// a fresh one. The cache key is a digest of the normalized text actually
// analyzed, so any edit to subject or body invalidates it while envelope
// artifacts do not. Analysis failures are persisted with last_error set and
// surface as StatusError, retryable on the next pass.
func (s *Service) EnsureAnalysis(
	ctx context.Context,
	messageID int64,
	opts EnsureOptions,
) (*EnsureResult, error) {
	msg, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return &EnsureResult{Status: StatusNotFound}, nil
	}

	body, err := s.store.GetMessageBody(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if body == "" {
		body = msg.BodyPreview
	}

	text, truncated := normalizeText(msg, body, s.maxBodyChars)
	sum := sha256.Sum256([]byte(text))
	currentHash := hex.EncodeToString(sum[:])

	existing, err := s.store.GetAnalysis(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.BodyHash == currentHash &&
		!opts.Force && existing.Meaningful() {
		return &EnsureResult{
			Status:   StatusOK,
			Skipped:  true,
			Analysis: existing,
		}, nil
	}

	userPrompt, err := s.buildPrompt(ctx, msg, body, truncated)
	if err != nil {
		return nil, err
	}

	raw, usage, llmErr := s.llm.ChatJSON(ctx, systemSummaryPrompt, userPrompt, opts.Model)
	if llmErr != nil {
		s.log.Warn("analysis failed",
			zap.Int64("message_id", messageID), zap.Error(llmErr))
		return s.persistFailure(ctx, messageID, currentHash, llmErr.Error())
	}

	summary := sanitizeSummary(raw, usage, opts.Model, truncated)
	if !summary.HasContent() {
		// Valid JSON with nothing in it is a failed attempt, not a
		// cacheable result. Recording last_error keeps the message
		// selectable for retry.
		s.log.Warn("analysis returned empty result",
			zap.Int64("message_id", messageID))
		return s.persistFailure(ctx, messageID, currentHash, "empty result from model")
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encoding summary for message %d: %w", messageID, err)
	}

	if err := s.store.SaveAnalysis(
		ctx, messageID, currentHash, string(summaryJSON), "",
	); err != nil {
		return nil, err
	}

	// Labels are a full replace, never a merge.
	if err := s.store.SetMessageLabels(ctx, messageID, summary.Labels); err != nil {
		return nil, err
	}

	saved, err := s.store.GetAnalysis(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &EnsureResult{Status: StatusOK, Analysis: saved}, nil
}

// persistFailure records a failed attempt so it stays visible and retryable,
// then returns the stored row as a StatusError result.
func (s *Service) persistFailure(
	ctx context.Context,
	messageID int64,
	bodyHash string,
	errMsg string,
) (*EnsureResult, error) {
	if err := s.store.SaveAnalysis(ctx, messageID, bodyHash, "", errMsg); err != nil {
		return nil, err
	}
	saved, err := s.store.GetAnalysis(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &EnsureResult{Status: StatusError, Analysis: saved}, nil
}

// SummarizeMany runs EnsureAnalysis over a list of message ids, isolating
// per-item failures.
func (s *Service) SummarizeMany(
	ctx context.Context,
	ids []int64,
	modelName string,
	force bool,
) []ItemOutcome {
	outcomes := make([]ItemOutcome, 0, len(ids))
	for _, id := range ids {
		res, err := s.EnsureAnalysis(ctx, id, EnsureOptions{
			Force: force,
			Model: modelName,
		})
		if err != nil {
			outcomes = append(outcomes, ItemOutcome{
				MessageID: id,
				Status:    StatusError,
				Error:     err.Error(),
			})
			continue
		}
		out := ItemOutcome{
			MessageID: id,
			Status:    res.Status,
			Skipped:   res.Skipped,
		}
		if res.Analysis != nil && res.Analysis.LastError != "" {
			out.Error = res.Analysis.LastError
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// buildPrompt assembles the user prompt from the message fields, the label
// vocabulary, and the active memory items.
func (s *Service) buildPrompt(
	ctx context.Context,
	msg *model.Message,
	body string,
	truncated bool,
) (string, error) {
	labels, err := s.store.GetLabels(ctx)
	if err != nil {
		return "", err
	}
	allowed := make([]string, 0, len(labels)+1)
	hasUncategorized := false
	for _, l := range labels {
		allowed = append(allowed, l.Name)
		if l.Name == "uncategorized" {
			hasUncategorized = true
		}
	}
	if !hasUncategorized {
		allowed = append(allowed, "uncategorized")
	}

	// Expired memory items are excluded from prompts.
	memItems, err := s.store.GetMemoryItems(ctx, false)
	if err != nil {
		return "", err
	}
	memoryBlock := ComposeMemoryBlock(memItems, s.memoryMaxChars)

	clippedBody, _ := clipText(body, s.maxBodyChars)
	return BuildSummaryUserPrompt(
		allowed, memoryBlock,
		msg.Subject, msg.FromName, msg.FromEmail, msg.DateISO,
		clippedBody, truncated,
	), nil
}

// normalizeText builds the exact text the cache hash covers:
// subject + sender + date + body, clipped to the character budget.
func normalizeText(msg *model.Message, body string, maxChars int) (string, bool) {
	text := fmt.Sprintf(
		"%s\n%s <%s>\n%s\n%s",
		msg.Subject, msg.FromName, msg.FromEmail, msg.DateISO, body,
	)
	return clipText(text, maxChars)
}

func clipText(s string, maxChars int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s, false
	}
	return string(runes[:maxChars]), true
}

// sanitizeSummary coerces raw model output into the bounded, validated
// Summary shape.
func sanitizeSummary(
	raw json.RawMessage,
	usage model.TokenUsage,
	modelName string,
	truncated bool,
) model.Summary {
	var s model.Summary
	// Raw is known-valid JSON; unknown fields are dropped, missing ones
	// zeroed.
	_ = json.Unmarshal(raw, &s)

	if s.Version == 0 {
		s.Version = 2
	}
	s.Bullets = capStrings(s.Bullets, maxBullets)
	s.KeyActions = capStrings(s.KeyActions, maxKeyActions)
	s.Labels = capStrings(s.Labels, maxLabels)
	s.Urgency = clampInt(s.Urgency, 0, 5)
	s.Importance = clampInt(s.Importance, 0, 5)
	s.Priority = DerivePriority(s.Importance, s.Urgency)
	s.Confidence = clampFloat(s.Confidence, 0, 1)
	s.Truncated = truncated
	if modelName != "" {
		s.Model = modelName
	}
	s.TokenUsage = usage
	return s
}

func capStrings(in []string, max int) []string {
	var out []string
	for _, v := range in {
		if v == "" {
			continue
		}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
