package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturalink/sri-engine/internal/pipeline"
	"github.com/facturalink/sri-engine/internal/store/memory"
)

func record(accessKey, tenant string, state pipeline.State) *pipeline.DocumentRecord {
	now := time.Now()
	return &pipeline.DocumentRecord{
		AccessKey: accessKey,
		TenantID:  tenant,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rec := record("key-1", "acme", pipeline.StateDraft)
	rec.CanonicalXML = []byte("<factura/>")
	require.NoError(t, s.Create(ctx, rec))

	assert.Error(t, s.Create(ctx, rec), "duplicate access key must be rejected")

	got, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDraft, got.State)
	assert.Equal(t, []byte("<factura/>"), got.CanonicalXML)

	// The store must not share memory with callers.
	got.State = pipeline.StateFailed
	got.CanonicalXML[1] = 'x'
	again, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDraft, again.State)
	assert.Equal(t, []byte("<factura/>"), again.CanonicalXML)

	rec.State = pipeline.StateBuilt
	require.NoError(t, s.Update(ctx, rec))
	updated, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateBuilt, updated.State)
}

func TestGetMissing(t *testing.T) {
	s := memory.New()
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, pipeline.ErrRecordNotFound)

	err = s.Update(context.Background(), record("ghost", "acme", pipeline.StateDraft))
	assert.ErrorIs(t, err, pipeline.ErrRecordNotFound)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.AppendEvent(ctx, &pipeline.Event{ID: "1", AccessKey: "key-1", ToState: pipeline.StateBuilt}))
	require.NoError(t, s.AppendEvent(ctx, &pipeline.Event{ID: "2", AccessKey: "key-1", ToState: pipeline.StateSigned}))
	require.NoError(t, s.AppendEvent(ctx, &pipeline.Event{ID: "3", AccessKey: "key-2", ToState: pipeline.StateBuilt}))

	evs, err := s.Events(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, pipeline.StateBuilt, evs[0].ToState)
	assert.Equal(t, pipeline.StateSigned, evs[1].ToState)
}

func TestDue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	now := time.Now()

	past1 := now.Add(-2 * time.Minute)
	past2 := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	overdue := record("key-overdue", "acme", pipeline.StateSubmitted)
	overdue.NextPollAt = &past1
	recent := record("key-recent", "acme", pipeline.StateRetryPending)
	recent.NextPollAt = &past2
	later := record("key-later", "acme", pipeline.StateSubmitted)
	later.NextPollAt = &future
	done := record("key-done", "acme", pipeline.StateAuthorized)
	done.NextPollAt = &past1
	unscheduled := record("key-none", "acme", pipeline.StateBuilt)

	for _, rec := range []*pipeline.DocumentRecord{overdue, recent, later, done, unscheduled} {
		require.NoError(t, s.Create(ctx, rec))
	}

	due, err := s.Due(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2, "terminal, future and unscheduled records are excluded")
	assert.Equal(t, "key-overdue", due[0].AccessKey, "oldest deadline first")
	assert.Equal(t, "key-recent", due[1].AccessKey)

	limited, err := s.Due(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "key-overdue", limited[0].AccessKey)
}

func TestByTenant(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	older := record("key-1", "acme", pipeline.StateAuthorized)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := record("key-2", "acme", pipeline.StateSubmitted)
	other := record("key-3", "globex", pipeline.StateSubmitted)

	for _, rec := range []*pipeline.DocumentRecord{older, newer, other} {
		require.NoError(t, s.Create(ctx, rec))
	}

	recs, err := s.ByTenant(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "key-2", recs[0].AccessKey, "newest first")
	assert.Equal(t, "key-1", recs[1].AccessKey)

	limited, err := s.ByTenant(ctx, "acme", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
