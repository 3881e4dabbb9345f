package imapmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rutgerdv/inboxd/internal/model"
)

// ParsedMail is a fully normalized message as fetched from the server:
// decoded headers, plaintext body, derived snippet/preview, and a digest of
// the raw source bytes.
type ParsedMail struct {
	UID uint32

	MessageID string
	Subject   string
	FromRaw   string
	FromName  string
	FromEmail string
	DateISO   string

	InReplyTo     string
	ReferencesRaw string

	Snippet     string
	BodyPreview string
	BodyFull    string
	BodyHash    string

	Unread   bool
	Answered bool
	Flagged  bool
}

// AuthError indicates that login or mailbox selection failed for an account.
// It aborts the mailbox's sync cycle; the account is retried next cycle.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.AccountID, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Session is one connected, selected IMAP mailbox. Session lifetime is
// scoped to a single sync cycle; Close must always be called.
type Session interface {
	// SearchSince returns the uids of messages received since the given
	// date, optionally restricted to unseen ones.
	SearchSince(since time.Time, onlyUnseen bool) ([]uint32, error)

	// SearchAfterUID returns the uids strictly greater than lastUID,
	// optionally restricted to unseen ones. Order is server-defined and
	// must not be relied upon.
	SearchAfterUID(lastUID uint32, onlyUnseen bool) ([]uint32, error)

	// FetchMail fetches and normalizes one message by uid.
	FetchMail(uid uint32) (*ParsedMail, error)

	// FetchFlags re-fetches only the flags for a set of uids.
	FetchFlags(uids []uint32) (map[uint32]model.FlagState, error)

	Close() error
}

// Dialer opens sessions. The sync engine depends on this interface so tests
// can substitute a fake server.
type Dialer interface {
	Dial(ctx context.Context, acct model.AccountConfig, mailbox string) (Session, error)
}
