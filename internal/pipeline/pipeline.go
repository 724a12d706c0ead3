package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/credential"
	"github.com/facturalink/sri-engine/internal/document"
	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/signer"
	"github.com/facturalink/sri-engine/internal/sri"
)

// Observer receives state transition events, typically to feed metrics.
type Observer interface {
	PipelineTransition(from, to State)
}

// Pipeline drives documents through DRAFT → BUILT → SIGNED → SUBMITTED and
// the polling loop to a terminal state. Every transition is persisted before
// the pipeline moves on, so a restart resumes from the last completed step
// instead of re-running from DRAFT.
type Pipeline struct {
	builder *document.Builder
	signer  *signer.Signer
	client  *sri.Client
	records RecordStore

	signAttempts   int
	submitAttempts int
	signBackoff    sri.BackoffPolicy
	pollBackoff    sri.BackoffPolicy
	maxPollWait    time.Duration

	log *zap.Logger
	obs Observer
	now func() time.Time

	// inflight serializes pipeline executions per access key. A second
	// caller for the same key waits for the first to finish, then reads the
	// persisted outcome instead of submitting again.
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithSignAttempts bounds retries of the signing step, which can race a
// credential rotation.
func WithSignAttempts(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.signAttempts = n
		}
	}
}

// WithSubmitAttempts bounds how many reception attempts a record gets across
// scheduler resumes before it is failed for operator review.
func WithSubmitAttempts(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.submitAttempts = n
		}
	}
}

// WithSignBackoff replaces the signing retry curve.
func WithSignBackoff(b sri.BackoffPolicy) PipelineOption {
	return func(p *Pipeline) { p.signBackoff = b }
}

// WithPollBackoff replaces the authorization polling curve.
func WithPollBackoff(b sri.BackoffPolicy) PipelineOption {
	return func(p *Pipeline) { p.pollBackoff = b }
}

// WithMaxPollWait bounds the total wait for a terminal authority decision
// after interim acceptance; past it the record is FAILED for operator review.
func WithMaxPollWait(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.maxPollWait = d
		}
	}
}

// WithPipelineLogger attaches a logger.
func WithPipelineLogger(log *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithPipelineObserver attaches a transition observer.
func WithPipelineObserver(o Observer) PipelineOption {
	return func(p *Pipeline) { p.obs = o }
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline over the given collaborators.
func New(builder *document.Builder, sg *signer.Signer, client *sri.Client, records RecordStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		builder:        builder,
		signer:         sg,
		client:         client,
		records:        records,
		signAttempts:   3,
		submitAttempts: 5,
		signBackoff:    sri.BackoffPolicy{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second, Jitter: 0.2},
		pollBackoff:    sri.DefaultPollBackoff,
		maxPollWait:    10 * time.Minute,
		log:            zap.NewNop(),
		now:            time.Now,
		inflight:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs a document through build, sign and submit synchronously and
// returns its record; authorization polling continues via PollDue or Poll.
// Submitting content that maps to an existing access key returns the
// existing record rather than creating a duplicate.
func (p *Pipeline) Submit(ctx context.Context, profile *model.TenantProfile, doc *model.StructuredDocument, sequence int64) (*DocumentRecord, error) {
	accessKey := document.AccessKey(profile, doc.Type, doc.IssueDate, sequence)

	release, err := p.acquire(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	defer release()

	if rec, err := p.records.Get(ctx, accessKey); err == nil {
		if rec.State.Terminal() {
			return rec, nil
		}
		// A non-terminal record means an earlier run stopped mid-pipeline;
		// pick it up from its persisted state. A DRAFT record died before the
		// build completed, and only Submit has the inputs to redo it.
		if rec.State == StateDraft {
			if err := p.buildStep(ctx, rec, profile, doc, sequence); err != nil {
				return rec, err
			}
		}
		return p.advance(ctx, rec)
	} else if err != ErrRecordNotFound {
		return nil, fmt.Errorf("load record %s: %w", accessKey, err)
	}

	now := p.now()
	rec := &DocumentRecord{
		AccessKey:    accessKey,
		TenantID:     profile.TenantID,
		DocumentType: doc.Type,
		Sequence:     sequence,
		State:        StateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record %s: %w", accessKey, err)
	}

	if err := p.buildStep(ctx, rec, profile, doc, sequence); err != nil {
		return rec, err
	}
	return p.advance(ctx, rec)
}

func (p *Pipeline) buildStep(ctx context.Context, rec *DocumentRecord, profile *model.TenantProfile, doc *model.StructuredDocument, sequence int64) error {
	built, err := p.builder.Build(profile, doc, sequence)
	if err != nil {
		// Content defects do not self-correct; fail immediately, no retry.
		p.recordFailure(ctx, rec, StateFailed, "VALIDATION", err.Error())
		return err
	}
	rec.Number = built.Number
	rec.CanonicalXML = built.XML
	return p.transition(ctx, rec, StateBuilt, "", "document built")
}

// advance pushes a non-terminal record as far as the current attempt can go.
func (p *Pipeline) advance(ctx context.Context, rec *DocumentRecord) (*DocumentRecord, error) {
	var err error
	for {
		switch rec.State {
		case StateBuilt:
			err = p.signStep(ctx, rec)
		case StateSigned, StateRetryPending:
			err = p.submitStep(ctx, rec)
		case StateSubmitted:
			err = p.pollStep(ctx, rec)
			if err == nil && rec.State == StateSubmitted {
				// Still in process; the scheduler resumes at NextPollAt.
				return rec, nil
			}
		default:
			return rec, err
		}
		if err != nil || rec.State.Terminal() {
			return rec, err
		}
	}
}

func (p *Pipeline) signStep(ctx context.Context, rec *DocumentRecord) error {
	canonical := &document.CanonicalDocument{
		TenantID:  rec.TenantID,
		Type:      rec.DocumentType,
		Sequence:  rec.Sequence,
		Number:    rec.Number,
		AccessKey: rec.AccessKey,
		XML:       rec.CanonicalXML,
	}

	var lastErr error
	for attempt := 0; attempt < p.signAttempts; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, p.signBackoff.Delay(attempt-1)); err != nil {
				return err
			}
		}
		signed, err := p.signer.Sign(ctx, canonical)
		if err == nil {
			rec.SignedXML = signed.XML
			return p.transition(ctx, rec, StateSigned, "", "document signed")
		}
		lastErr = err
		// Wrong passphrases and malformed containers are deterministic;
		// only rotation races (missing or expired credentials) can heal.
		if credential.IsDecryption(err) || credential.IsFormat(err) {
			break
		}
		p.log.Warn("signing attempt failed",
			zap.String("access_key", rec.AccessKey),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	p.recordFailure(ctx, rec, StateFailed, "SIGNING", lastErr.Error())
	return lastErr
}

func (p *Pipeline) submitStep(ctx context.Context, rec *DocumentRecord) error {
	signed := &signer.SignedDocument{
		TenantID:  rec.TenantID,
		AccessKey: rec.AccessKey,
		Number:    rec.Number,
		XML:       rec.SignedXML,
	}

	rec.AttemptCount++
	receipt, err := p.client.Submit(ctx, signed)
	if err != nil {
		switch {
		case sri.IsRejected(err):
			rec.NextPollAt = nil
			p.recordFailure(ctx, rec, StateRejected, sri.StateReturned, err.Error())
			return err
		case sri.IsTransient(err), sri.IsUnavailable(err):
			if rec.AttemptCount >= p.submitAttempts {
				rec.NextPollAt = nil
				p.recordFailure(ctx, rec, StateFailed, "SUBMIT",
					fmt.Sprintf("reception retry budget exhausted after %d attempts: %s", rec.AttemptCount, err.Error()))
				return err
			}
			next := p.now().Add(p.pollBackoff.Delay(rec.AttemptCount - 1))
			rec.NextPollAt = &next
			p.recordFailure(ctx, rec, StateRetryPending, "TRANSIENT", err.Error())
			return err
		default:
			if ctx.Err() != nil {
				// Cancelled mid-attempt; the record stays where it was.
				return ctx.Err()
			}
			p.recordFailure(ctx, rec, StateFailed, "SUBMIT", err.Error())
			return err
		}
	}

	now := p.now()
	rec.SubmittedAt = &now
	next := now.Add(p.pollBackoff.Delay(0))
	rec.NextPollAt = &next
	rec.PollCount = 0
	return p.transition(ctx, rec, StateSubmitted, receipt.Status, "interim acceptance by authority")
}

func (p *Pipeline) pollStep(ctx context.Context, rec *DocumentRecord) error {
	resp, err := p.client.QueryAuthorization(ctx, rec.AccessKey)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed or faulted query never downgrades a submitted document;
		// it stays SUBMITTED and is polled again later.
		return p.schedulePoll(ctx, rec, "QUERY_ERROR", err.Error())
	}

	rec.LastCode = resp.Code
	rec.LastMessage = resp.Message

	if !resp.Terminal {
		return p.schedulePoll(ctx, rec, resp.Code, resp.Message)
	}

	if resp.Code == sri.StateAuthorized {
		rec.AuthorizationNumber = resp.AuthorizationNumber
		rec.AuthorizedAt = resp.AuthorizedAt
		rec.NextPollAt = nil
		return p.transition(ctx, rec, StateAuthorized, resp.Code, resp.Message)
	}
	return p.failTerminal(ctx, rec, StateRejected, resp.Code, resp.Message)
}

// schedulePoll records a non-terminal poll outcome and either plans the next
// poll or fails the record once the total wait budget is spent.
func (p *Pipeline) schedulePoll(ctx context.Context, rec *DocumentRecord, code, message string) error {
	now := p.now()
	rec.PollCount++
	if rec.SubmittedAt != nil && now.Sub(*rec.SubmittedAt) > p.maxPollWait {
		return p.failTerminal(ctx, rec, StateFailed, code,
			fmt.Sprintf("no terminal decision after %s: %s", p.maxPollWait, message))
	}
	next := now.Add(p.pollBackoff.Delay(rec.PollCount - 1))
	rec.NextPollAt = &next
	rec.LastCode = code
	rec.LastMessage = message
	rec.UpdatedAt = now
	if err := p.records.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist poll schedule %s: %w", rec.AccessKey, err)
	}
	return nil
}

func (p *Pipeline) failTerminal(ctx context.Context, rec *DocumentRecord, state State, code, message string) error {
	rec.NextPollAt = nil
	return p.transition(ctx, rec, state, code, message)
}

// recordFailure persists a failure transition on a path that already has an
// error to report. A persistence problem is logged instead of replacing that
// error, so the original failure always reaches the caller.
func (p *Pipeline) recordFailure(ctx context.Context, rec *DocumentRecord, state State, code, message string) {
	if err := p.transition(ctx, rec, state, code, message); err != nil {
		p.log.Error("failure state not persisted",
			zap.String("access_key", rec.AccessKey),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

// Poll runs one authorization check for a submitted or retry-pending record.
func (p *Pipeline) Poll(ctx context.Context, accessKey string) (*DocumentRecord, error) {
	release, err := p.acquire(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := p.records.Get(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return rec, nil
	}
	return p.advance(ctx, rec)
}

// PollDue resumes every record whose NextPollAt has passed, up to limit, and
// returns how many were processed. It is the scheduler entry point.
func (p *Pipeline) PollDue(ctx context.Context, limit int) (int, error) {
	due, err := p.records.Due(ctx, p.now(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := p.Poll(ctx, rec.AccessKey); err != nil {
			p.log.Warn("scheduled resume failed",
				zap.String("access_key", rec.AccessKey),
				zap.Error(err))
		}
		processed++
	}
	return processed, nil
}

// GetStatus returns the current record for an access key.
func (p *Pipeline) GetStatus(ctx context.Context, accessKey string) (*DocumentRecord, error) {
	return p.records.Get(ctx, accessKey)
}

// ByTenant lists a tenant's records, newest first.
func (p *Pipeline) ByTenant(ctx context.Context, tenantID string, limit int) ([]*DocumentRecord, error) {
	return p.records.ByTenant(ctx, tenantID, limit)
}

// History returns a record's audit trail.
func (p *Pipeline) History(ctx context.Context, accessKey string) ([]Event, error) {
	return p.records.Events(ctx, accessKey)
}

// transition persists a state change and its audit event before returning.
func (p *Pipeline) transition(ctx context.Context, rec *DocumentRecord, to State, code, message string) error {
	from := rec.State
	rec.State = to
	if code != "" {
		rec.LastCode = code
	}
	if message != "" {
		rec.LastMessage = message
	}
	rec.UpdatedAt = p.now()

	if err := p.records.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist transition %s %s→%s: %w", rec.AccessKey, from, to, err)
	}
	ev := &Event{
		ID:        uuid.NewString(),
		AccessKey: rec.AccessKey,
		FromState: from,
		ToState:   to,
		Code:      code,
		Message:   message,
		At:        rec.UpdatedAt,
	}
	if err := p.records.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event %s %s→%s: %w", rec.AccessKey, from, to, err)
	}

	if p.obs != nil {
		p.obs.PipelineTransition(from, to)
	}
	p.log.Info("state transition",
		zap.String("access_key", rec.AccessKey),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("code", code))
	return nil
}

// acquire takes the per-access-key execution slot, waiting for any holder.
func (p *Pipeline) acquire(ctx context.Context, accessKey string) (func(), error) {
	for {
		p.mu.Lock()
		ch, held := p.inflight[accessKey]
		if !held {
			done := make(chan struct{})
			p.inflight[accessKey] = done
			p.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					p.mu.Lock()
					delete(p.inflight, accessKey)
					p.mu.Unlock()
					close(done)
				})
			}, nil
		}
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
