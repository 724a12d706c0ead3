package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by RecordStore.Get for unknown access keys.
var ErrRecordNotFound = errors.New("document record not found")

// RecordStore is the durable home of DocumentRecords and their audit events.
// Implementations must persist writes before returning; the pipeline relies
// on that to resume from the last completed transition after a crash.
type RecordStore interface {
	// Create inserts a new record. Inserting an existing access key is an
	// error; callers check for an existing record first.
	Create(ctx context.Context, rec *DocumentRecord) error
	// Get returns the record for accessKey or ErrRecordNotFound.
	Get(ctx context.Context, accessKey string) (*DocumentRecord, error)
	// Update overwrites the stored record.
	Update(ctx context.Context, rec *DocumentRecord) error
	// AppendEvent adds an audit trail entry.
	AppendEvent(ctx context.Context, ev *Event) error
	// Events lists a record's audit trail in append order.
	Events(ctx context.Context, accessKey string) ([]Event, error)
	// Due returns non-terminal records whose NextPollAt is at or before now,
	// oldest first, up to limit.
	Due(ctx context.Context, now time.Time, limit int) ([]*DocumentRecord, error)
	// ByTenant lists records for a tenant, newest first, up to limit.
	ByTenant(ctx context.Context, tenantID string, limit int) ([]*DocumentRecord, error)
}
