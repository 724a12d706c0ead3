package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturalink/sri-engine/internal/credential"
	"github.com/facturalink/sri-engine/internal/credential/credtest"
	"github.com/facturalink/sri-engine/internal/document"
	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/pipeline"
	"github.com/facturalink/sri-engine/internal/server"
	"github.com/facturalink/sri-engine/internal/signer"
	"github.com/facturalink/sri-engine/internal/sri"
	"github.com/facturalink/sri-engine/internal/store/memory"
	"github.com/facturalink/sri-engine/internal/tenant"

	"go.uber.org/zap"
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

const soapAuthorized = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<RespuestaAutorizacionComprobante><autorizaciones><autorizacion>
<estado>AUTORIZADO</estado>
<numeroAutorizacion>AUTH-1</numeroAutorizacion>
<fechaAutorizacion>15/03/2026 10:30:00</fechaAutorizacion>
</autorizacion></autorizaciones></RespuestaAutorizacionComprobante>
</soap:Body></soap:Envelope>`

type testEnv struct {
	handler http.Handler
	creds   *credential.Store
	records *memory.Store
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvReception(t, soapReceived)
}

func newTestEnvReception(t *testing.T, receptionBody string) *testEnv {
	t.Helper()

	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		if bytes.Contains(body, []byte("validarComprobante")) {
			io.WriteString(w, receptionBody) //nolint:errcheck
			return
		}
		io.WriteString(w, soapAuthorized) //nolint:errcheck
	}))
	t.Cleanup(authority.Close)

	creds := credential.NewStore(credtest.Resolver(t, "acme"), credential.NewLoader())
	records := memory.New()
	fast := sri.BackoffPolicy{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	client := sri.NewClient(
		sri.Endpoints{Reception: authority.URL, Authorization: authority.URL},
		sri.WithSubmitBackoff(fast),
		sri.WithQueryBackoff(fast),
	)
	p := pipeline.New(document.NewBuilder(), signer.New(creds), client, records,
		pipeline.WithPollBackoff(fast))

	tenants := tenant.NewDirectory(model.EnvTest)
	tenants.Register("acme", tenant.Profile{
		RUC:               "1790012345001",
		BusinessName:      "ACME Cia. Ltda.",
		HeadOfficeAddress: "Av. Amazonas N24-03, Quito",
		EstablishmentCode: "001",
		EmissionPoint:     "001",
	})

	srv := server.New(server.Config{}, p, creds, tenants, zap.NewNop(), nil)
	return &testEnv{handler: srv.Handler(), creds: creds, records: records}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func submitBody(sequence int64) map[string]any {
	return map[string]any{
		"tenant_id": "acme",
		"sequence":  sequence,
		"document": map[string]any{
			"type":       "01",
			"issue_date": "2026-03-15",
			"customer": map[string]any{
				"identification_type": "05",
				"identification":      "1712345678",
				"name":                "Juan Perez",
			},
			"items": []map[string]any{{
				"main_code":   "SKU-1",
				"description": "Widget",
				"quantity":    "1",
				"unit_price":  "100.00",
				"discount":    "0.00",
				"subtotal":    "100.00",
			}},
			"subtotal_without_tax": "100.00",
			"total_discount":       "0.00",
			"total_amount":         "115.00",
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSubmitDocument(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/documents", submitBody(1))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rec pipeline.DocumentRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, pipeline.StateAuthorized, rec.State)
	assert.Equal(t, "AUTH-1", rec.AuthorizationNumber)
	assert.Len(t, rec.AccessKey, 49)

	// Status and events are now queryable.
	w = env.do(t, http.MethodGet, "/api/v1/documents/"+rec.AccessKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/documents/"+rec.AccessKey+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"AUTHORIZED"`)

	w = env.do(t, http.MethodGet, "/api/v1/tenants/acme/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), rec.AccessKey)
}

func TestSubmitDocument_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	body := submitBody(2)
	doc := body["document"].(map[string]any)
	doc["items"] = []map[string]any{}
	doc["customer"].(map[string]any)["name"] = ""

	w := env.do(t, http.MethodPost, "/api/v1/documents", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp server.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Violations)

	fields := make(map[string]bool)
	for _, v := range resp.Violations {
		fields[v.Field] = true
	}
	assert.True(t, fields["items"])
	assert.True(t, fields["customer.name"])
}

func TestSubmitDocument_Rejected(t *testing.T) {
	env := newTestEnvReception(t, soapReturned)

	w := env.do(t, http.MethodPost, "/api/v1/documents", submitBody(2))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Error  string                   `json:"error"`
		Record *pipeline.DocumentRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "SECUENCIAL REGISTRADO")
	require.NotNil(t, resp.Record)
	assert.Equal(t, pipeline.StateRejected, resp.Record.State)
}

func TestSubmitDocument_UnknownTenant(t *testing.T) {
	env := newTestEnv(t)
	body := submitBody(3)
	body["tenant_id"] = "ghost"

	w := env.do(t, http.MethodPost, "/api/v1/documents", body)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitDocument_BadBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := submitBody(4)
	body["document"].(map[string]any)["issue_date"] = "15/03/2026"
	w2 := env.do(t, http.MethodPost, "/api/v1/documents", body)
	require.Equal(t, http.StatusBadRequest, w2.Code)
	assert.Contains(t, w2.Body.String(), "YYYY-MM-DD")
}

func TestStatus_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/documents/0000000000", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheStats(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.creds.Get(context.Background(), "acme")
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats credential.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Loads)
}

func TestCredentialAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/admin/credentials/preload", map[string]any{
		"tenant_ids": []string{"acme", "ghost"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant_id":"ghost"`)

	w = env.do(t, http.MethodGet, "/api/v1/admin/credentials/acme/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acme")

	w = env.do(t, http.MethodGet, "/api/v1/admin/credentials/ghost/validate", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/admin/credentials/acme/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/admin/credentials/acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":true`)

	w = env.do(t, http.MethodDelete, "/api/v1/admin/credentials/acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":false`)
}
