package models

import "time"

// ConversationEntry is one committed user/assistant exchange. Rows are
// append-only: the ledger never updates, reorders or deletes them, and the
// insertion order (the primary key) is the canonical order even if a client
// retry re-submits an earlier round number.
type ConversationEntry struct {
	ID            uint   `gorm:"primaryKey"`
	ParticipantID string `gorm:"size:36;index:idx_entries_participant"`
	Round         int
	UserMessage   string
	Reply         string
	Ts            time.Time
}
