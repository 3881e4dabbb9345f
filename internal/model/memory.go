package model

import "time"

// MemoryItem kinds. Free-form strings in storage; these are the ones the
// prompt builder groups under headings.
const (
	MemoryKindRule       = "rule"
	MemoryKindPreference = "preference"
	MemoryKindProject    = "project"
	MemoryKindContact    = "contact"
	MemoryKindStyle      = "style"
	MemoryKindFact       = "fact"
)

// MemoryItem is a durable (kind, key) -> value fact used to build analysis
// prompts. ExpiresAt is advisory: expired items are excluded when assembling
// prompts but still returned by plain listing.
type MemoryItem struct {
	ID        int64
	Kind      string
	Key       string
	Value     string
	Weight    int
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the item has an expiry in the past.
func (m *MemoryItem) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}
