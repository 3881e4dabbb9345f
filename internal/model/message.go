package model

import "time"

// Message is a single stored mail message, deduplicated by (Mailbox, UID).
// Mailbox is a box key of the form "<account-id>:<mailbox-name>" so that the
// same folder name on two accounts never collides.
type Message struct {
	ID      int64
	Mailbox string
	UID     uint32

	MessageID string
	Subject   string
	FromRaw   string
	FromName  string
	FromEmail string

	// DateISO is the header date rendered as RFC 3339, or "" when the
	// header was absent or unparseable.
	DateISO string

	Snippet     string
	BodyPreview string

	// BodyHash is a digest of the raw message source, used to detect
	// content drift on re-sync. It is distinct from the analysis hash,
	// which covers the normalized text actually sent to the model.
	BodyHash string

	Unread   bool
	Answered bool
	Flagged  bool

	InReplyTo     string
	ReferencesRaw string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRecord is a normalized message ready for upsert: the Message row
// plus the full plaintext body, which lands in the separate body table the
// first time it is seen.
type MessageRecord struct {
	Message
	BodyFull string
}

// FlagState is the triple of mutable IMAP-derived flags tracked per message.
type FlagState struct {
	Unread   bool
	Answered bool
	Flagged  bool
}

// MailboxCursor is the per-box sync watermark. LastUID only ever increases;
// 0 means the box has never been synced.
type MailboxCursor struct {
	ID       int64
	Name     string
	LastUID  uint32
	LastSeen *time.Time
}

// BoxKey composes an account id and mailbox name into the cursor key.
func BoxKey(accountID, mailbox string) string {
	return accountID + ":" + mailbox
}
