package analysis

import (
	"fmt"
	"strings"

	"github.com/rutgerdv/inboxd/internal/model"
)

// systemSummaryPrompt instructs the model to return strict JSON in the
// Summary schema. Kept deliberately rigid: no prose, no echoed body.
const systemSummaryPrompt = `You are a precise, privacy-preserving email triage assistant.
Your task: read an email and output STRICT JSON with this schema:
version, lang, bullets (≤3), key_actions (imperatives, ≤3),
urgency (integer 0..5), importance (integer 0..5), priority (ignored; backend derives),
labels (≤3, choose only from ALLOWED_LABELS), confidence (0..1), truncated (bool),
model (string), token_usage {prompt, completion}, notes (string, optional).

DEFINITIONS
- Urgency: time pressure. 0 = none; 5 = same-day or immediate risk.
- Importance: relevance/impact to the recipient's goals, VIPs, finance/legal, or prior commitments.
- Key actions: 1-3 concrete steps for the recipient (e.g., "Reply: send availability Tue/Wed", "Schedule 30m").
- Labels: pick ONLY from ALLOWED_LABELS. If no match, use "uncategorized".
- Language: detect primary language code like "nl" or "en".

CONSTRAINTS
- Do NOT include any reasoning or extra text. Return ONLY JSON.
- Do NOT echo the email body.
- If newsletter/marketing and no action needed, importance ≤ 1 unless memory explicitly says otherwise.
- If the sender asks for information/decisions from the recipient, importance ≥ 3.

Return ONLY JSON. No prose, no markdown, no angle-bracket thoughts.`

const summarySchemaHint = `{"version":2,"lang":"en","bullets":[],"key_actions":[],` +
	`"urgency":0,"importance":0,"priority":0,"labels":[],"confidence":0,` +
	`"truncated":false,"model":"","token_usage":{"prompt":0,"completion":0},"notes":""}`

// ComposeMemoryBlock renders memory items into a compact block with one
// [KIND] heading per group and "- key: value" lines beneath it, truncated
// to maxChars without splitting a line.
func ComposeMemoryBlock(items []model.MemoryItem, maxChars int) string {
	if len(items) == 0 {
		return ""
	}

	var lines []string
	currentKind := ""
	used := 0

	for _, it := range items {
		if it.Kind != currentKind {
			lines = append(lines, "["+strings.ToUpper(it.Kind)+"]")
			currentKind = it.Kind
		}
		value := strings.ReplaceAll(strings.TrimSpace(it.Value), "\n", " ")
		line := "- " + it.Key + ": " + value
		if used+len(line) > maxChars {
			break
		}
		lines = append(lines, line)
		used += len(line) + 1
	}

	return strings.Join(lines, "\n")
}

// BuildSummaryUserPrompt assembles the user prompt: allowed label
// vocabulary, optional memory block, fenced email fields, and a schema
// reminder.
func BuildSummaryUserPrompt(
	allowedLabels []string,
	memoryBlock string,
	subject, fromName, fromEmail, date, bodyText string,
	truncated bool,
) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("ALLOWED_LABELS: [%s]\n", strings.Join(allowedLabels, ", ")))
	if memoryBlock != "" {
		sb.WriteString("\nMEMORY:\n<<<\n")
		sb.WriteString(memoryBlock)
		sb.WriteString("\n>>>\n")
	}

	sb.WriteString("EMAIL:\n<<<\n")
	sb.WriteString("Subject: " + subject + "\n")
	sb.WriteString(fmt.Sprintf("From: %s <%s>\n", fromName, fromEmail))
	sb.WriteString("Date: " + date + "\n")
	sb.WriteString("Body:\n" + bodyText + "\n")
	sb.WriteString(">>>\n")

	if truncated {
		sb.WriteString("NOTE: The body text was clipped.\n")
	}
	sb.WriteString("Schema reminder: " + summarySchemaHint)

	return sb.String()
}
