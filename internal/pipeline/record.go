// Package pipeline orchestrates build, sign, submit and authorization
// polling per document as a resumable persisted state machine.
package pipeline

import (
	"time"

	"github.com/facturalink/sri-engine/internal/model"
)

// State is a document's position in the processing lifecycle.
type State string

const (
	StateDraft        State = "DRAFT"
	StateBuilt        State = "BUILT"
	StateSigned       State = "SIGNED"
	StateSubmitted    State = "SUBMITTED"
	StateRetryPending State = "RETRY_PENDING"
	StateAuthorized   State = "AUTHORIZED"
	StateRejected     State = "REJECTED"
	StateFailed       State = "FAILED"
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateAuthorized, StateRejected, StateFailed:
		return true
	}
	return false
}

// DocumentRecord is the durable audit record of one document's passage
// through the pipeline. It is keyed by access key, mutated only by pipeline
// transitions and never deleted.
type DocumentRecord struct {
	AccessKey    string             `json:"access_key"`
	TenantID     string             `json:"tenant_id"`
	DocumentType model.DocumentType `json:"document_type"`
	Number       string             `json:"number"`
	Sequence     int64              `json:"sequence"`
	State        State              `json:"state"`

	// AttemptCount counts submission attempts; PollCount counts
	// authorization queries after interim acceptance.
	AttemptCount int `json:"attempt_count"`
	PollCount    int `json:"poll_count"`

	CanonicalXML []byte `json:"-"`
	SignedXML    []byte `json:"-"`

	LastCode    string `json:"last_code,omitempty"`
	LastMessage string `json:"last_message,omitempty"`

	AuthorizationNumber string     `json:"authorization_number,omitempty"`
	AuthorizedAt        *time.Time `json:"authorized_at,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	// NextPollAt schedules the next resume for non-terminal records, so a
	// timer-driven scheduler can pick up where a crashed process stopped.
	NextPollAt *time.Time `json:"next_poll_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one append-only audit trail entry for a record transition.
type Event struct {
	ID        string    `json:"id"`
	AccessKey string    `json:"access_key"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}
