package model

import "time"

// Outcome is how an issued request left the handle registry.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
)

// JournalEntry is one issued request as recorded by the engine.
type JournalEntry struct {
	ID         string    `json:"id"`
	Handle     Handle    `json:"rid"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	IssuedAt   time.Time `json:"issuedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}
