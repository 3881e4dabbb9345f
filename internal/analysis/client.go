package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rutgerdv/inboxd/internal/model"
)

const (
	defaultModel = "deepseek-r1:32b"

	// Short connect timeout, long read timeout: a slow local model can
	// take minutes to answer, but an unreachable host should fail fast.
	connectTimeout     = 10 * time.Second
	defaultReadTimeout = 300 * time.Second

	defaultTemperature = 0.2
	defaultNumCtx      = 8192
)

// Analyzer is the external analysis collaborator. ChatJSON returns a JSON
// object on success; all failure modes (timeout, HTTP error, empty or
// malformed output) surface as ordinary errors.
type Analyzer interface {
	ChatJSON(ctx context.Context, systemPrompt, userPrompt, modelName string) (json.RawMessage, model.TokenUsage, error)
}

// Client talks to a local Ollama server's chat API.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient creates an Ollama client. model is the default used when a call
// does not name one; readTimeout bounds the whole response read.
func NewClient(baseURL, modelName string, readTimeout time.Duration) *Client {
	if modelName == "" {
		modelName = defaultModel
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout:   readTimeout,
			Transport: transport,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// ChatJSON sends a system+user prompt pair and coerces the model's answer
// to a JSON object.
func (c *Client) ChatJSON(
	ctx context.Context,
	systemPrompt, userPrompt, modelName string,
) (json.RawMessage, model.TokenUsage, error) {
	if modelName == "" {
		modelName = c.model
	}

	reqBody := chatRequest{
		Model: modelName,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: false,
		Format: "json",
		Options: chatOptions{
			Temperature: defaultTemperature,
			NumCtx:      defaultNumCtx,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("calling model: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, model.TokenUsage{}, fmt.Errorf(
			"model HTTP %d: %s", resp.StatusCode, string(respBody),
		)
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("decoding response: %w", err)
	}

	usage := model.TokenUsage{
		Prompt:     result.PromptEvalCount,
		Completion: result.EvalCount,
	}

	content := result.Message.Content
	if content == "" {
		content = result.Response
	}
	if content == "" {
		return nil, usage, fmt.Errorf("empty response from model")
	}

	content = jsonOnly(content)
	if !json.Valid([]byte(content)) {
		return nil, usage, fmt.Errorf("invalid JSON from model")
	}

	return json.RawMessage(content), usage, nil
}

// ListModels returns the names of models the server has available. Used as
// a health check.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/api/tags", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pinging model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server HTTP %d", resp.StatusCode)
	}

	var data struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	names := make([]string, 0, len(data.Models))
	for _, m := range data.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

var (
	jsonObjectRe    = regexp.MustCompile(`\{[\s\S]*\}`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// jsonOnly coerces model output to strict JSON: returned as-is when it
// already parses, otherwise the first {...} block with trailing commas
// stripped (a common model mistake).
func jsonOnly(content string) string {
	content = strings.TrimSpace(content)
	if json.Valid([]byte(content)) {
		return content
	}

	if m := jsonObjectRe.FindString(content); m != "" {
		return trailingCommaRe.ReplaceAllString(m, "$1")
	}
	return content
}
