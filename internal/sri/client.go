// Package sri implements the SOAP client for the authority's reception and
// authorization services, including retry classification and idempotent
// resubmission.
package sri

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/signer"
)

const (
	defaultMaxAttempts   = 7
	defaultReceiptTTL    = 24 * time.Hour
	maxResponseBodyBytes = 4 << 20
)

// Receipt is the interim acknowledgment from the reception service. A
// terminal decision still requires polling the authorization service.
type Receipt struct {
	AccessKey  string    `json:"access_key"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
	// Reused marks a receipt served from the idempotency cache instead of a
	// fresh network exchange.
	Reused bool `json:"reused,omitempty"`
}

// Observer receives client events, typically to feed metrics.
type Observer interface {
	SubmissionOutcome(outcome string)
	AuthorizationOutcome(code string)
}

// Client talks to one environment's reception and authorization endpoints.
// Repeat submissions of the same access key are served from a bounded-TTL
// receipt cache, mirroring the authority's idempotent treatment of
// byte-identical content.
type Client struct {
	httpClient    *http.Client
	endpoints     Endpoints
	submitBackoff BackoffPolicy
	pollBackoff   BackoffPolicy
	maxAttempts   int
	receipts      *gocache.Cache
	log           *zap.Logger
	obs           Observer
	now           func() time.Time
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithSubmitBackoff replaces the submit retry curve.
func WithSubmitBackoff(p BackoffPolicy) ClientOption {
	return func(c *Client) { c.submitBackoff = p }
}

// WithQueryBackoff replaces the backoff used for transient query retries.
func WithQueryBackoff(p BackoffPolicy) ClientOption {
	return func(c *Client) { c.pollBackoff = p }
}

// WithMaxAttempts bounds retries per submit call.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithReceiptTTL sets how long receipts are held for idempotent resubmission.
func WithReceiptTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.receipts = gocache.New(ttl, ttl) }
}

// WithClientLogger attaches a logger.
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientObserver attaches an event observer.
func WithClientObserver(o Observer) ClientOption {
	return func(c *Client) { c.obs = o }
}

// WithClientClock overrides the time source.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the given endpoints.
func NewClient(endpoints Endpoints, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: 90 * time.Second},
		endpoints:     endpoints,
		submitBackoff: DefaultSubmitBackoff,
		pollBackoff:   DefaultPollBackoff,
		maxAttempts:   defaultMaxAttempts,
		receipts:      gocache.New(defaultReceiptTTL, defaultReceiptTTL),
		log:           zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends a signed document to the reception service. Transient
// failures (network errors, 5xx without a readable decision) are retried
// with backoff up to the attempt budget; a DEVUELTA decision surfaces
// immediately as a RejectedError and is never retried. Resubmitting the
// same access key within the receipt TTL returns the prior receipt without
// a network exchange.
func (c *Client) Submit(ctx context.Context, doc *signer.SignedDocument) (*Receipt, error) {
	if cached, ok := c.receipts.Get(doc.AccessKey); ok {
		prior := cached.(*Receipt)
		c.log.Debug("submission served from receipt cache", zap.String("access_key", doc.AccessKey))
		return &Receipt{
			AccessKey:  prior.AccessKey,
			Status:     prior.Status,
			ReceivedAt: prior.ReceivedAt,
			Reused:     true,
		}, nil
	}

	envelope := receptionEnvelope(doc.XML)
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.submitBackoff.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		status, body, err := c.post(ctx, c.endpoints.Reception, envelope)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.Warn("reception request failed",
				zap.String("access_key", doc.AccessKey),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		switch {
		case status == http.StatusOK:
			receipt, retry, err := c.handleReception(doc.AccessKey, body)
			if retry != nil {
				lastErr = retry
				continue
			}
			if err != nil {
				return nil, err
			}
			return receipt, nil
		case status == http.StatusInternalServerError && hasReceptionDecision(body):
			// The authority sometimes wraps a valid decision in a 500.
			receipt, retry, err := c.handleReception(doc.AccessKey, body)
			if retry != nil {
				lastErr = retry
				continue
			}
			if err != nil {
				return nil, err
			}
			return receipt, nil
		case status >= 500:
			lastErr = fmt.Errorf("reception returned HTTP %d", status)
			c.log.Warn("reception unavailable",
				zap.String("access_key", doc.AccessKey),
				zap.Int("attempt", attempt+1),
				zap.Int("http_status", status))
			continue
		default:
			if c.obs != nil {
				c.obs.SubmissionOutcome("error")
			}
			// 4xx means the request itself is wrong; retrying cannot help.
			return nil, &ProtocolError{Op: "submit", StatusCode: status}
		}
	}

	if c.obs != nil {
		c.obs.SubmissionOutcome("unavailable")
	}
	return nil, &UnavailableError{Op: "submit", Attempts: c.maxAttempts, Cause: lastErr}
}

// handleReception maps a parsed reception body to either a receipt, a retry
// error (second return) or a terminal error (third return).
func (c *Client) handleReception(accessKey string, body []byte) (*Receipt, error, error) {
	estado, msgs, err := parseReceptionResponse(body)
	if err != nil {
		// SOAP faults and garbled bodies are treated as transient.
		return nil, err, nil
	}
	switch estado {
	case StateReceived:
		receipt := &Receipt{AccessKey: accessKey, Status: StateReceived, ReceivedAt: c.now()}
		c.receipts.SetDefault(accessKey, receipt)
		if c.obs != nil {
			c.obs.SubmissionOutcome("received")
		}
		c.log.Info("document received by authority", zap.String("access_key", accessKey))
		return receipt, nil, nil
	case StateReturned:
		if c.obs != nil {
			c.obs.SubmissionOutcome("rejected")
		}
		c.log.Warn("document returned by authority",
			zap.String("access_key", accessKey),
			zap.String("detail", joinMessages(msgs)))
		return nil, nil, &RejectedError{AccessKey: accessKey, Messages: msgs}
	default:
		return nil, fmt.Errorf("unexpected reception state %q", estado), nil
	}
}

// QueryAuthorization polls the authorization service once, retrying only
// transport-level failures. A NO AUTORIZADO decision is a normal terminal
// response, not an error; the caller decides what to do with it.
func (c *Client) QueryAuthorization(ctx context.Context, accessKey string) (*AuthorityResponse, error) {
	envelope := authorizationEnvelope(accessKey)

	const queryAttempts = 3
	var lastErr error
	for attempt := 0; attempt < queryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.pollBackoff.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		status, body, err := c.post(ctx, c.endpoints.Authorization, envelope)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if status == http.StatusOK || (status == http.StatusInternalServerError && hasAuthorizationDecision(body)) {
			resp, err := parseAuthorizationResponse(accessKey, body)
			if err != nil {
				lastErr = err
				continue
			}
			if c.obs != nil {
				c.obs.AuthorizationOutcome(resp.Code)
			}
			c.log.Info("authorization queried",
				zap.String("access_key", accessKey),
				zap.String("code", resp.Code),
				zap.Bool("terminal", resp.Terminal))
			return resp, nil
		}
		if status >= 500 {
			lastErr = fmt.Errorf("authorization returned HTTP %d", status)
			continue
		}
		return nil, &ProtocolError{Op: "queryAuthorization", StatusCode: status}
	}

	return nil, &TransientError{Op: "queryAuthorization", Message: "authorization query failed", Cause: lastErr}
}

func (c *Client) post(ctx context.Context, url string, envelope []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")
	req.Header.Set("Accept", "text/xml, application/soap+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func hasReceptionDecision(body []byte) bool {
	return bytes.Contains(body, []byte(StateReceived)) ||
		bytes.Contains(body, []byte(StateReturned)) ||
		bytes.Contains(body, []byte("<estado>"))
}

func hasAuthorizationDecision(body []byte) bool {
	return bytes.Contains(body, []byte("autorizacion")) ||
		bytes.Contains(body, []byte("<estado>"))
}
