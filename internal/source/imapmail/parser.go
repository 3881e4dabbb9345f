package imapmail

import (
	"bytes"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const (
	snippetMaxChars = 250
	previewMaxChars = 2048
)

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
)

// parseMail normalizes a raw RFC 5322 message: decoded headers, plaintext
// body (falling back to stripped HTML), snippet, and bounded preview.
func parseMail(raw []byte) *ParsedMail {
	p := &ParsedMail{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable message: keep whatever text we have.
		p.setBody(string(raw))
		return p
	}
	defer mr.Close()

	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		p.Subject = subject
	}
	if id, err := h.MessageID(); err == nil {
		p.MessageID = id
	}
	p.FromRaw = h.Get("From")
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		p.FromName = addrs[0].Name
		p.FromEmail = addrs[0].Address
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		p.DateISO = date.UTC().Format(time.RFC3339)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
		p.InReplyTo = strings.Join(ids, " ")
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		p.ReferencesRaw = strings.Join(ids, " ")
	}

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := inline.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	body := textBody
	if body == "" && htmlBody != "" {
		body = stripHTML(htmlBody)
	}
	p.setBody(body)

	return p
}

func (p *ParsedMail) setBody(body string) {
	p.BodyFull = body
	p.Snippet = makeSnippet(body, snippetMaxChars)
	p.BodyPreview = truncateRunes(body, previewMaxChars)
}

// makeSnippet collapses whitespace and truncates to max runes with an
// ellipsis.
func makeSnippet(body string, max int) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if len([]rune(collapsed)) <= max {
		return collapsed
	}
	return string([]rune(collapsed)[:max]) + "…"
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// stripHTML reduces an HTML body to rough plaintext: script/style blocks
// removed, tags dropped, entities unescaped.
func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
