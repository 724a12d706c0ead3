package sri

import (
	"errors"
	"fmt"
	"strings"
)

// Message is one diagnostic message returned by the authority alongside a
// reception or authorization decision.
type Message struct {
	Identifier     string `json:"identifier"`
	Text           string `json:"text"`
	AdditionalInfo string `json:"additional_info,omitempty"`
	Type           string `json:"type,omitempty"`
}

func (m Message) String() string {
	if m.Identifier != "" {
		return fmt.Sprintf("error %s: %s", m.Identifier, m.Text)
	}
	return m.Text
}

func joinMessages(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.String()
	}
	return strings.Join(parts, "; ")
}

// TransientError is a recoverable failure: the caller may retry later with
// backoff without changing the request.
type TransientError struct {
	Op      string
	Message string
	Cause   error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// RejectedError is a terminal authority-side rejection of the document
// content. Retrying cannot change a structural defect.
type RejectedError struct {
	AccessKey string
	Messages  []Message
}

func (e *RejectedError) Error() string {
	detail := joinMessages(e.Messages)
	if detail == "" {
		detail = "document returned by the authority"
	}
	return fmt.Sprintf("document %s rejected: %s", e.AccessKey, detail)
}

// ProtocolError is a non-retryable request-level failure: the endpoint
// answered with a status that resending the same bytes cannot change, such
// as a 404 from a misconfigured endpoint URL.
type ProtocolError struct {
	Op         string
	StatusCode int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected HTTP %d from authority", e.Op, e.StatusCode)
}

// UnavailableError means the authority could not be reached after the full
// retry budget. The caller should back off for longer before trying again.
type UnavailableError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: authority unavailable after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// IsTransient reports whether err allows a retry of the same request.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is a non-retryable request-level failure.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRejected reports whether err is a terminal content rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsUnavailable reports whether err is an exhausted-availability failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
