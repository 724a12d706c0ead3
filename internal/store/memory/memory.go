// Package memory provides an in-process RecordStore for tests and
// single-node deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facturalink/sri-engine/internal/pipeline"
)

// Store keeps records and events in maps guarded by one RWMutex. Records
// are copied on every read and write so callers never share memory with
// the store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*pipeline.DocumentRecord
	events  map[string][]pipeline.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*pipeline.DocumentRecord),
		events:  make(map[string][]pipeline.Event),
	}
}

// Create implements pipeline.RecordStore.
func (s *Store) Create(_ context.Context, rec *pipeline.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.AccessKey]; exists {
		return fmt.Errorf("record %s already exists", rec.AccessKey)
	}
	s.records[rec.AccessKey] = clone(rec)
	return nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(_ context.Context, accessKey string) (*pipeline.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accessKey]
	if !ok {
		return nil, pipeline.ErrRecordNotFound
	}
	return clone(rec), nil
}

// Update implements pipeline.RecordStore.
func (s *Store) Update(_ context.Context, rec *pipeline.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.AccessKey]; !ok {
		return pipeline.ErrRecordNotFound
	}
	s.records[rec.AccessKey] = clone(rec)
	return nil
}

// AppendEvent implements pipeline.RecordStore.
func (s *Store) AppendEvent(_ context.Context, ev *pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.AccessKey] = append(s.events[ev.AccessKey], *ev)
	return nil
}

// Events implements pipeline.RecordStore.
func (s *Store) Events(_ context.Context, accessKey string) ([]pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[accessKey]
	out := make([]pipeline.Event, len(evs))
	copy(out, evs)
	return out, nil
}

// Due implements pipeline.RecordStore.
func (s *Store) Due(_ context.Context, now time.Time, limit int) ([]*pipeline.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*pipeline.DocumentRecord
	for _, rec := range s.records {
		if rec.State.Terminal() || rec.NextPollAt == nil {
			continue
		}
		if !rec.NextPollAt.After(now) {
			due = append(due, clone(rec))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextPollAt.Before(*due[j].NextPollAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ByTenant implements pipeline.RecordStore.
func (s *Store) ByTenant(_ context.Context, tenantID string, limit int) ([]*pipeline.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pipeline.DocumentRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(rec *pipeline.DocumentRecord) *pipeline.DocumentRecord {
	c := *rec
	if rec.CanonicalXML != nil {
		c.CanonicalXML = append([]byte(nil), rec.CanonicalXML...)
	}
	if rec.SignedXML != nil {
		c.SignedXML = append([]byte(nil), rec.SignedXML...)
	}
	if rec.NextPollAt != nil {
		t := *rec.NextPollAt
		c.NextPollAt = &t
	}
	if rec.SubmittedAt != nil {
		t := *rec.SubmittedAt
		c.SubmittedAt = &t
	}
	if rec.AuthorizedAt != nil {
		t := *rec.AuthorizedAt
		c.AuthorizedAt = &t
	}
	return &c
}
