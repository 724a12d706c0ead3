package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturalink/sri-engine/internal/credential"
	"github.com/facturalink/sri-engine/internal/credential/credtest"
	"github.com/facturalink/sri-engine/internal/document"
	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/pipeline"
	"github.com/facturalink/sri-engine/internal/signer"
	"github.com/facturalink/sri-engine/internal/sri"
	"github.com/facturalink/sri-engine/internal/store/memory"
)

const soapReceived = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<RespuestaRecepcionComprobante><estado>RECIBIDA</estado></RespuestaRecepcionComprobante>
</soap:Body></soap:Envelope>`

const soapReturned = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<RespuestaRecepcionComprobante><estado>DEVUELTA</estado>
<comprobantes><comprobante><mensajes><mensaje>
<identificador>45</identificador><mensaje>SECUENCIAL REGISTRADO</mensaje><tipo>ERROR</tipo>
</mensaje></mensajes></comprobante></comprobantes>
</RespuestaRecepcionComprobante>
</soap:Body></soap:Envelope>`

const soapInProcess = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<RespuestaAutorizacionComprobante><numeroComprobantes>0</numeroComprobantes><autorizaciones/></RespuestaAutorizacionComprobante>
</soap:Body></soap:Envelope>`

const soapAuthorized = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<RespuestaAutorizacionComprobante><autorizaciones><autorizacion>
<estado>AUTORIZADO</estado>
<numeroAutorizacion>AUTH-42</numeroAutorizacion>
<fechaAutorizacion>15/03/2026 10:30:00</fechaAutorizacion>
</autorizacion></autorizaciones></RespuestaAutorizacionComprobante>
</soap:Body></soap:Envelope>`

const soapNotAuthorized = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<RespuestaAutorizacionComprobante><autorizaciones><autorizacion>
<estado>NO AUTORIZADO</estado>
<mensajes><mensaje><identificador>58</identificador><mensaje>FIRMA INVALIDA</mensaje><tipo>ERROR</tipo></mensaje></mensajes>
</autorizacion></autorizaciones></RespuestaAutorizacionComprobante>
</soap:Body></soap:Envelope>`

// authorityStub routes reception and authorization requests to per-service
// scripted responses, repeating the last one when the script runs out.
type authorityStub struct {
	srv           *httptest.Server
	receptionHits atomic.Int64
	authHits      atomic.Int64

	mu        sync.Mutex
	reception []stubResponse
	auth      []stubResponse
}

type stubResponse struct {
	status int
	body   string
}

func newAuthorityStub(t *testing.T) *authorityStub {
	t.Helper()
	s := &authorityStub{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var resp stubResponse
		if bytes.Contains(body, []byte("validarComprobante")) {
			resp = s.next(&s.reception, s.receptionHits.Add(1))
		} else {
			resp = s.next(&s.auth, s.authHits.Add(1))
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(resp.status)
		io.WriteString(w, resp.body) //nolint:errcheck
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *authorityStub) next(script *[]stubResponse, hit int64) stubResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*script) == 0 {
		return stubResponse{status: http.StatusServiceUnavailable}
	}
	idx := int(hit) - 1
	if idx >= len(*script) {
		idx = len(*script) - 1
	}
	return (*script)[idx]
}

func (s *authorityStub) scriptReception(responses ...stubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reception = responses
}

func (s *authorityStub) scriptAuth(responses ...stubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = responses
}

func ok(body string) stubResponse { return stubResponse{status: http.StatusOK, body: body} }

type fixture struct {
	pipeline *pipeline.Pipeline
	records  *memory.Store
	stub     *authorityStub
	profile  *model.TenantProfile
}

func newFixture(t *testing.T, opts ...pipeline.PipelineOption) *fixture {
	t.Helper()

	stub := newAuthorityStub(t)
	creds := credential.NewStore(credtest.Resolver(t, "acme"), credential.NewLoader())
	records := memory.New()
	fast := sri.BackoffPolicy{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}

	client := sri.NewClient(
		sri.Endpoints{Reception: stub.srv.URL, Authorization: stub.srv.URL},
		sri.WithSubmitBackoff(fast),
		sri.WithQueryBackoff(fast),
		sri.WithMaxAttempts(3),
	)

	base := []pipeline.PipelineOption{
		pipeline.WithSignBackoff(fast),
		pipeline.WithPollBackoff(fast),
	}
	p := pipeline.New(
		document.NewBuilder(),
		signer.New(creds),
		client,
		records,
		append(base, opts...)...)

	return &fixture{
		pipeline: p,
		records:  records,
		stub:     stub,
		profile: &model.TenantProfile{
			TenantID:          "acme",
			RUC:               "1790012345001",
			BusinessName:      "ACME Cia. Ltda.",
			HeadOfficeAddress: "Av. Amazonas N24-03, Quito",
			EstablishmentCode: "001",
			EmissionPoint:     "001",
			Environment:       model.EnvTest,
		},
	}
}

func invoice() *model.StructuredDocument {
	total := decimal.RequireFromString("115.00")
	subtotal := decimal.RequireFromString("100.00")
	return &model.StructuredDocument{
		Type:      model.TypeInvoice,
		IssueDate: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Customer: model.Customer{
			IdentificationType: model.IDTypeCedula,
			Identification:     "1712345678",
			Name:               "Juan Perez",
		},
		Items: []model.LineItem{{
			MainCode:    "SKU-1",
			Description: "Widget",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   subtotal,
			Subtotal:    subtotal,
		}},
		SubtotalWithoutTax: subtotal,
		TotalAmount:        total,
	}
}

func TestSubmit_AuthorizedAfterPolling(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapInProcess), ok(soapAuthorized))

	ctx := context.Background()
	rec, err := f.pipeline.Submit(ctx, f.profile, invoice(), 1)
	require.NoError(t, err)

	// The first poll found the document still in process.
	assert.Equal(t, pipeline.StateSubmitted, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, 1, rec.PollCount)
	require.NotNil(t, rec.NextPollAt)
	require.NotNil(t, rec.SubmittedAt)
	assert.NotEmpty(t, rec.CanonicalXML)
	assert.NotEmpty(t, rec.SignedXML)

	rec, err = f.pipeline.Poll(ctx, rec.AccessKey)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateAuthorized, rec.State)
	assert.Equal(t, "AUTH-42", rec.AuthorizationNumber)
	require.NotNil(t, rec.AuthorizedAt)
	assert.Nil(t, rec.NextPollAt, "terminal records leave the poll schedule")

	events, err := f.pipeline.History(ctx, rec.AccessKey)
	require.NoError(t, err)
	var states []pipeline.State
	for _, ev := range events {
		states = append(states, ev.ToState)
	}
	assert.Equal(t, []pipeline.State{
		pipeline.StateBuilt, pipeline.StateSigned, pipeline.StateSubmitted, pipeline.StateAuthorized,
	}, states)
}

func TestSubmit_ValidationFailureIsTerminal(t *testing.T) {
	f := newFixture(t)

	doc := invoice()
	doc.Items = nil
	doc.Customer.Name = ""

	rec, err := f.pipeline.Submit(context.Background(), f.profile, doc, 1)
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))

	require.NotNil(t, rec)
	assert.Equal(t, pipeline.StateFailed, rec.State)
	assert.Equal(t, "VALIDATION", rec.LastCode)
	assert.Equal(t, int64(0), f.stub.receptionHits.Load(), "invalid documents never reach the network")
}

func TestSubmit_RejectionAfterSingleAttempt(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReturned))

	rec, err := f.pipeline.Submit(context.Background(), f.profile, invoice(), 2)
	require.Error(t, err)
	assert.True(t, sri.IsRejected(err))

	assert.Equal(t, pipeline.StateRejected, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Contains(t, rec.LastMessage, "SECUENCIAL REGISTRADO")
	assert.Equal(t, int64(1), f.stub.receptionHits.Load(), "content rejections are never retried")
}

func TestSubmit_OutageThenRecovery(t *testing.T) {
	f := newFixture(t)
	// Every reception attempt fails; the budget is 3.
	f.stub.scriptReception(stubResponse{status: http.StatusServiceUnavailable})

	ctx := context.Background()
	rec, err := f.pipeline.Submit(ctx, f.profile, invoice(), 3)
	require.Error(t, err)
	assert.True(t, sri.IsUnavailable(err))

	assert.Equal(t, pipeline.StateRetryPending, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	require.NotNil(t, rec.NextPollAt, "a retry must be scheduled")
	assert.Equal(t, int64(3), f.stub.receptionHits.Load())

	// The authority recovers; a scheduled resume drives the record through.
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapAuthorized))

	rec, err = f.pipeline.Poll(ctx, rec.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateAuthorized, rec.State)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestSubmit_IdempotentOnRepeat(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapInProcess))

	ctx := context.Background()
	first, err := f.pipeline.Submit(ctx, f.profile, invoice(), 4)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateSubmitted, first.State)

	// Identical content maps to the same access key; the second submission
	// resumes the existing record instead of signing and sending again.
	second, err := f.pipeline.Submit(ctx, f.profile, invoice(), 4)
	require.NoError(t, err)

	assert.Equal(t, first.AccessKey, second.AccessKey)
	assert.Equal(t, int64(1), f.stub.receptionHits.Load(), "no duplicate reception call")
}

func TestSubmit_TerminalRecordReturnedAsIs(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapAuthorized))

	ctx := context.Background()
	first, err := f.pipeline.Submit(ctx, f.profile, invoice(), 5)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateAuthorized, first.State)

	authHits := f.stub.authHits.Load()
	second, err := f.pipeline.Submit(ctx, f.profile, invoice(), 5)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateAuthorized, second.State)
	assert.Equal(t, first.AuthorizationNumber, second.AuthorizationNumber)
	assert.Equal(t, authHits, f.stub.authHits.Load(), "terminal records trigger no network traffic")
}

func TestSubmit_NotAuthorizedBecomesRejected(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapNotAuthorized))

	rec, err := f.pipeline.Submit(context.Background(), f.profile, invoice(), 6)
	require.NoError(t, err, "a NO AUTORIZADO decision is an outcome, not a failure")

	assert.Equal(t, pipeline.StateRejected, rec.State)
	assert.Equal(t, sri.StateNotAuthorized, rec.LastCode)
	assert.Contains(t, rec.LastMessage, "FIRMA INVALIDA")
}

func TestSubmit_SigningFailureAfterRetries(t *testing.T) {
	stub := newAuthorityStub(t)
	// Credential store with no material at all.
	creds := credential.NewStore(credential.NewStaticResolver(), credential.NewLoader())
	fast := sri.BackoffPolicy{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	p := pipeline.New(
		document.NewBuilder(),
		signer.New(creds),
		sri.NewClient(sri.Endpoints{Reception: stub.srv.URL, Authorization: stub.srv.URL}),
		memory.New(),
		pipeline.WithSignBackoff(fast),
		pipeline.WithSignAttempts(2),
	)
	profile := newFixture(t).profile

	rec, err := p.Submit(context.Background(), profile, invoice(), 7)
	require.Error(t, err)
	assert.True(t, credential.IsNotFound(err))
	assert.Equal(t, pipeline.StateFailed, rec.State)
	assert.Equal(t, "SIGNING", rec.LastCode)
	assert.Equal(t, int64(0), stub.receptionHits.Load())
}

func TestPoll_ResumesFromSubmittedState(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptAuth(ok(soapAuthorized))

	// A record left behind by a process that died after interim acceptance.
	now := time.Now()
	past := now.Add(-time.Minute)
	rec := &pipeline.DocumentRecord{
		AccessKey:    "1503202601179001234500110010010000000081234567811",
		TenantID:     "acme",
		DocumentType: model.TypeInvoice,
		Number:       "001-001-000000008",
		Sequence:     8,
		State:        pipeline.StateSubmitted,
		SignedXML:    []byte("<factura/>"),
		SubmittedAt:  &past,
		NextPollAt:   &past,
		CreatedAt:    past,
		UpdatedAt:    past,
	}
	require.NoError(t, f.records.Create(context.Background(), rec))

	got, err := f.pipeline.Poll(context.Background(), rec.AccessKey)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateAuthorized, got.State)
	assert.Equal(t, int64(0), f.stub.receptionHits.Load(), "resume must poll, not resubmit")
	assert.Equal(t, int64(1), f.stub.authHits.Load())
}

func TestPollDue_ProcessesOnlyDueRecords(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptAuth(ok(soapAuthorized))

	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &pipeline.DocumentRecord{
		AccessKey: "key-due", TenantID: "acme", State: pipeline.StateSubmitted,
		SignedXML: []byte("<factura/>"), SubmittedAt: &past, NextPollAt: &past,
		CreatedAt: past, UpdatedAt: past,
	}
	notDue := &pipeline.DocumentRecord{
		AccessKey: "key-later", TenantID: "acme", State: pipeline.StateSubmitted,
		SignedXML: []byte("<factura/>"), SubmittedAt: &past, NextPollAt: &future,
		CreatedAt: past, UpdatedAt: past,
	}
	require.NoError(t, f.records.Create(ctx, due))
	require.NoError(t, f.records.Create(ctx, notDue))

	n, err := f.pipeline.PollDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.pipeline.GetStatus(ctx, "key-due")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateAuthorized, got.State)

	got, err = f.pipeline.GetStatus(ctx, "key-later")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateSubmitted, got.State)
}

func TestPoll_BudgetExhaustionFailsRecord(t *testing.T) {
	f := newFixture(t, pipeline.WithMaxPollWait(time.Nanosecond))
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapInProcess))

	rec, err := f.pipeline.Submit(context.Background(), f.profile, invoice(), 9)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateFailed, rec.State)
	assert.Contains(t, rec.LastMessage, "no terminal decision")
	assert.Nil(t, rec.NextPollAt)
}

func TestSubmit_ReceptionBudgetExhaustionFailsRecord(t *testing.T) {
	f := newFixture(t, pipeline.WithSubmitAttempts(2))
	// The authority never comes back.
	f.stub.scriptReception(stubResponse{status: http.StatusServiceUnavailable})

	ctx := context.Background()
	rec, err := f.pipeline.Submit(ctx, f.profile, invoice(), 11)
	require.Error(t, err)
	assert.Equal(t, pipeline.StateRetryPending, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)

	// The scheduled resume burns the last attempt and terminalizes.
	rec, err = f.pipeline.Poll(ctx, rec.AccessKey)
	require.Error(t, err)
	assert.True(t, sri.IsUnavailable(err))

	assert.Equal(t, pipeline.StateFailed, rec.State)
	assert.Equal(t, "SUBMIT", rec.LastCode)
	assert.Contains(t, rec.LastMessage, "retry budget exhausted")
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Nil(t, rec.NextPollAt, "a failed record leaves the poll schedule")

	// Further resumes see a terminal record and stop.
	hits := f.stub.receptionHits.Load()
	again, err := f.pipeline.Poll(ctx, rec.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, again.State)
	assert.Equal(t, hits, f.stub.receptionHits.Load())
}

func TestSubmit_ProtocolFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(stubResponse{status: http.StatusNotFound, body: "gone"})

	rec, err := f.pipeline.Submit(context.Background(), f.profile, invoice(), 12)
	require.Error(t, err)
	assert.True(t, sri.IsProtocol(err))

	assert.Equal(t, pipeline.StateFailed, rec.State)
	assert.Equal(t, "SUBMIT", rec.LastCode)
	assert.Equal(t, int64(1), f.stub.receptionHits.Load(), "a misconfigured endpoint is never retried")
}

func TestSubmit_ResumesDraftRecord(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapAuthorized))

	ctx := context.Background()
	doc := invoice()
	// A record left behind by a process that died before the build persisted.
	now := time.Now()
	draft := &pipeline.DocumentRecord{
		AccessKey:    document.AccessKey(f.profile, doc.Type, doc.IssueDate, 13),
		TenantID:     "acme",
		DocumentType: doc.Type,
		Sequence:     13,
		State:        pipeline.StateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.records.Create(ctx, draft))

	rec, err := f.pipeline.Submit(ctx, f.profile, doc, 13)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateAuthorized, rec.State)
	assert.NotEmpty(t, rec.CanonicalXML)
	assert.Equal(t, int64(1), f.stub.receptionHits.Load())

	events, err := f.pipeline.History(ctx, rec.AccessKey)
	require.NoError(t, err)
	var states []pipeline.State
	for _, ev := range events {
		states = append(states, ev.ToState)
	}
	assert.Equal(t, []pipeline.State{
		pipeline.StateBuilt, pipeline.StateSigned, pipeline.StateSubmitted, pipeline.StateAuthorized,
	}, states)
}

// rejectedWriteFailStore refuses to persist the REJECTED state, simulating
// storage trouble at the worst moment.
type rejectedWriteFailStore struct {
	pipeline.RecordStore
}

func (s *rejectedWriteFailStore) Update(ctx context.Context, rec *pipeline.DocumentRecord) error {
	if rec.State == pipeline.StateRejected {
		return errors.New("storage offline")
	}
	return s.RecordStore.Update(ctx, rec)
}

func TestSubmit_PersistenceFailureDoesNotMaskRejection(t *testing.T) {
	stub := newAuthorityStub(t)
	stub.scriptReception(ok(soapReturned))
	creds := credential.NewStore(credtest.Resolver(t, "acme"), credential.NewLoader())
	fast := sri.BackoffPolicy{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	p := pipeline.New(
		document.NewBuilder(),
		signer.New(creds),
		sri.NewClient(
			sri.Endpoints{Reception: stub.srv.URL, Authorization: stub.srv.URL},
			sri.WithSubmitBackoff(fast),
			sri.WithMaxAttempts(3),
		),
		&rejectedWriteFailStore{RecordStore: memory.New()},
	)
	profile := newFixture(t).profile

	_, err := p.Submit(context.Background(), profile, invoice(), 14)
	require.Error(t, err)
	assert.True(t, sri.IsRejected(err), "the rejection must survive a failed state write")
}

func TestSubmit_ConcurrentSameDocumentYieldsOneRecord(t *testing.T) {
	f := newFixture(t)
	f.stub.scriptReception(ok(soapReceived))
	f.stub.scriptAuth(ok(soapInProcess))

	ctx := context.Background()
	const n = 8
	var wg sync.WaitGroup
	recs := make([]*pipeline.DocumentRecord, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = f.pipeline.Submit(ctx, f.profile, invoice(), 10)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "goroutine %d", i)
		require.NotNil(t, recs[i])
		assert.Equal(t, recs[0].AccessKey, recs[i].AccessKey)
	}
	assert.Equal(t, int64(1), f.stub.receptionHits.Load(), "one reception call across all callers")

	events, err := f.pipeline.History(ctx, recs[0].AccessKey)
	require.NoError(t, err)
	submissions := 0
	for _, ev := range events {
		if ev.ToState == pipeline.StateSubmitted {
			submissions++
		}
	}
	assert.Equal(t, 1, submissions)
}
