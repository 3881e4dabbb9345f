package imapmail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/rutgerdv/inboxd/internal/model"
)

// IMAPDialer opens real IMAP sessions via go-imap v2.
type IMAPDialer struct{}

// Dial connects to the account's IMAP server, authenticates, and selects
// the given mailbox read-only. The caller owns the returned session and must
// Close it.
func (IMAPDialer) Dial(
	_ context.Context,
	acct model.AccountConfig,
	mailbox string,
) (Session, error) {
	addr := acct.Host + ":" + acct.Port

	var client *imapclient.Client
	var err error

	if acct.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(acct.Username, acct.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			AccountID: acct.ID,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v", acct.Username, err,
			),
		}
	}

	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			AccountID: acct.ID,
			Message:   fmt.Sprintf("selecting %s: %v", mailbox, err),
		}
	}

	return &imapSession{client: client}, nil
}

// imapSession wraps a connected, selected imapclient.Client.
type imapSession struct {
	client *imapclient.Client
}

func (s *imapSession) SearchSince(since time.Time, onlyUnseen bool) ([]uint32, error) {
	criteria := &imap.SearchCriteria{Since: since}
	if onlyUnseen {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	return s.search(criteria)
}

func (s *imapSession) SearchAfterUID(lastUID uint32, onlyUnseen bool) ([]uint32, error) {
	// UID range "lastUID+1:*".
	uidSet := imap.UIDSet{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}}
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}
	if onlyUnseen {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	return s.search(criteria)
}

func (s *imapSession) search(criteria *imap.SearchCriteria) ([]uint32, error) {
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	var uids []uint32
	for _, uid := range searchData.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchMail fetches the full source of one message and normalizes it.
func (s *imapSession) FetchMail(uid uint32) (*ParsedMail, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	parsed := parseMail(raw)
	parsed.UID = uint32(buf.UID)

	sum := sha256.Sum256(raw)
	parsed.BodyHash = hex.EncodeToString(sum[:])

	// Envelope data fills gaps the MIME parse could not decode.
	if buf.Envelope != nil {
		if parsed.Subject == "" {
			parsed.Subject = buf.Envelope.Subject
		}
		if parsed.MessageID == "" {
			parsed.MessageID = buf.Envelope.MessageID
		}
		if parsed.FromEmail == "" && len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			parsed.FromName = from.Name
			parsed.FromEmail = from.Addr()
			parsed.FromRaw = from.Addr()
		}
		if parsed.DateISO == "" && !buf.Envelope.Date.IsZero() {
			parsed.DateISO = buf.Envelope.Date.UTC().Format(time.RFC3339)
		}
	}

	st := flagState(buf.Flags)
	parsed.Unread = st.Unread
	parsed.Answered = st.Answered
	parsed.Flagged = st.Flagged

	if err := fetchCmd.Close(); err != nil {
		return parsed, fmt.Errorf("closing fetch: %w", err)
	}

	return parsed, nil
}

// FetchFlags re-fetches only the flags for a set of uids. Callers chunk the
// uid list; one call maps to one FETCH command.
func (s *imapSession) FetchFlags(uids []uint32) (map[uint32]model.FlagState, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	imapUIDs := make([]imap.UID, len(uids))
	for i, uid := range uids {
		imapUIDs[i] = imap.UID(uid)
	}
	uidSet := imap.UIDSetNum(imapUIDs...)

	fetchOpts := &imap.FetchOptions{
		Flags: true,
		UID:   true,
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	flags := make(map[uint32]model.FlagState, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		flags[uint32(buf.UID)] = flagState(buf.Flags)
	}

	if err := fetchCmd.Close(); err != nil {
		return flags, fmt.Errorf("fetching flags: %w", err)
	}

	return flags, nil
}

func (s *imapSession) Close() error {
	return s.client.Logout().Wait()
}

// flagState derives the tracked flag triple from raw IMAP flags.
func flagState(flags []imap.Flag) model.FlagState {
	st := model.FlagState{Unread: true}
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			st.Unread = false
		case imap.FlagAnswered:
			st.Answered = true
		case imap.FlagFlagged:
			st.Flagged = true
		}
	}
	return st
}
