// Package sriengine assembles the compliance engine from configuration and
// exposes it as an embeddable facade: submit documents, track their records
// and administer the credential cache.
package sriengine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/config"
	"github.com/facturalink/sri-engine/internal/credential"
	"github.com/facturalink/sri-engine/internal/document"
	"github.com/facturalink/sri-engine/internal/metrics"
	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/pipeline"
	"github.com/facturalink/sri-engine/internal/security/secretbox"
	"github.com/facturalink/sri-engine/internal/signer"
	"github.com/facturalink/sri-engine/internal/sri"
	"github.com/facturalink/sri-engine/internal/store/memory"
	"github.com/facturalink/sri-engine/internal/store/pg"
	"github.com/facturalink/sri-engine/internal/tenant"
)

// Engine owns the wired pipeline and its collaborators.
type Engine struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry

	creds    *credential.Store
	pipeline *pipeline.Pipeline
	tenants  *tenant.Directory

	pgStore *pg.Store // non-nil when backed by postgres, for Close
}

// Option customizes engine assembly.
type Option func(*assembly)

type assembly struct {
	resolver credential.Resolver
	records  pipeline.RecordStore
	hc       *http.Client
}

// WithResolver replaces the file-based credential resolver, mainly in tests
// and embedded setups that hold containers in memory.
func WithResolver(r credential.Resolver) Option {
	return func(a *assembly) { a.resolver = r }
}

// WithRecordStore replaces the configured DocumentRecord store.
func WithRecordStore(rs pipeline.RecordStore) Option {
	return func(a *assembly) { a.records = rs }
}

// WithHTTPClient replaces the SOAP transport, for tests against a local
// authority stub.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *assembly) { a.hc = hc }
}

// New assembles an engine from cfg.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, tenants *tenant.Directory, opts ...Option) (*Engine, error) {
	var a assembly
	for _, opt := range opts {
		opt(&a)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	resolver := a.resolver
	if resolver == nil {
		box, err := secretbox.NewFromEnv()
		if err != nil && err != secretbox.ErrNoMasterKey {
			return nil, fmt.Errorf("master key: %w", err)
		}
		resolver = credential.NewFileResolver(cfg.Credentials.Dir, box)
	}

	creds := credential.NewStore(resolver, credential.NewLoader(),
		credential.WithCapacity(cfg.Credentials.Capacity),
		credential.WithTTL(cfg.Credentials.TTL),
		credential.WithObserver(m),
		credential.WithStoreLogger(log.Named("credentials")),
	)

	records := a.records
	var pgStore *pg.Store
	if records == nil {
		switch cfg.Storage.Driver {
		case "postgres":
			store, err := pg.New(ctx, cfg.Storage.DSN)
			if err != nil {
				return nil, err
			}
			if cfg.Storage.Migrate {
				if err := store.Migrate(ctx); err != nil {
					store.Close()
					return nil, err
				}
			}
			records = store
			pgStore = store
		default:
			records = memory.New()
		}
	}

	clientOpts := []sri.ClientOption{
		sri.WithSubmitBackoff(cfg.Submission.Backoff),
		sri.WithMaxAttempts(cfg.Submission.MaxAttempts),
		sri.WithReceiptTTL(cfg.Submission.ReceiptTTL),
		sri.WithClientLogger(log.Named("sri")),
		sri.WithClientObserver(m),
	}
	if a.hc != nil {
		clientOpts = append(clientOpts, sri.WithHTTPClient(a.hc))
	} else {
		clientOpts = append(clientOpts, sri.WithHTTPClient(&http.Client{Timeout: cfg.Submission.HTTPTimeout}))
	}
	client := sri.NewClient(cfg.ResolvedEndpoints(), clientOpts...)

	builder := document.NewBuilder(document.WithBuilderLogger(log.Named("builder")))
	sg := signer.New(creds, signer.WithLogger(log.Named("signer")))

	p := pipeline.New(builder, sg, client, records,
		pipeline.WithSignAttempts(cfg.Pipeline.SignAttempts),
		pipeline.WithSubmitAttempts(cfg.Pipeline.SubmitAttempts),
		pipeline.WithPollBackoff(cfg.Pipeline.PollBackoff),
		pipeline.WithMaxPollWait(cfg.Pipeline.MaxPollWait),
		pipeline.WithPipelineLogger(log.Named("pipeline")),
		pipeline.WithPipelineObserver(m),
	)

	return &Engine{
		cfg:      cfg,
		log:      log,
		registry: registry,
		creds:    creds,
		pipeline: p,
		tenants:  tenants,
		pgStore:  pgStore,
	}, nil
}

// SubmitDocument runs a document through the pipeline synchronously up to
// interim acceptance; polling is continued by the scheduler.
func (e *Engine) SubmitDocument(ctx context.Context, tenantID string, doc *model.StructuredDocument, sequence int64) (*pipeline.DocumentRecord, error) {
	profile, err := e.tenants.Profile(tenantID)
	if err != nil {
		return nil, err
	}
	return e.pipeline.Submit(ctx, profile, doc, sequence)
}

// GetStatus returns the record for an access key.
func (e *Engine) GetStatus(ctx context.Context, accessKey string) (*pipeline.DocumentRecord, error) {
	return e.pipeline.GetStatus(ctx, accessKey)
}

// History returns a record's audit trail.
func (e *Engine) History(ctx context.Context, accessKey string) ([]pipeline.Event, error) {
	return e.pipeline.History(ctx, accessKey)
}

// Poll forces one authorization check for an access key.
func (e *Engine) Poll(ctx context.Context, accessKey string) (*pipeline.DocumentRecord, error) {
	return e.pipeline.Poll(ctx, accessKey)
}

// CacheStats returns credential cache counters.
func (e *Engine) CacheStats() credential.Stats {
	return e.creds.Stats()
}

// PreloadCredentials warms the cache for a batch of tenants.
func (e *Engine) PreloadCredentials(ctx context.Context, tenantIDs []string) []credential.PreloadResult {
	return e.creds.Preload(ctx, tenantIDs)
}

// ForceReloadCredential reloads a tenant's credential after rotation.
func (e *Engine) ForceReloadCredential(ctx context.Context, tenantID string) (credential.Info, error) {
	cred, err := e.creds.ForceReload(ctx, tenantID)
	if err != nil {
		return credential.Info{}, err
	}
	return cred.Info(), nil
}

// InvalidateCredential drops a tenant's cached credential.
func (e *Engine) InvalidateCredential(tenantID string) bool {
	return e.creds.Invalidate(tenantID)
}

// ValidateCredential loads and inspects a tenant's container without caching.
func (e *Engine) ValidateCredential(ctx context.Context, tenantID string) (*credential.Info, error) {
	return e.creds.Check(ctx, tenantID)
}

// Pipeline exposes the underlying pipeline for the HTTP server.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Credentials exposes the credential store for the HTTP server.
func (e *Engine) Credentials() *credential.Store { return e.creds }

// Tenants exposes the tenant directory.
func (e *Engine) Tenants() *tenant.Directory { return e.tenants }

// Registry exposes the metrics registry for the /metrics endpoint.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// RunScheduler resumes due records until ctx is cancelled. It is the
// timer-driven counterpart to the persisted NextPollAt field: restartable
// across processes because all scheduling state lives in the record store.
func (e *Engine) RunScheduler(ctx context.Context) error {
	interval := e.cfg.Scheduler.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := e.pipeline.PollDue(ctx, e.cfg.Scheduler.BatchSize)
			if err != nil && ctx.Err() == nil {
				e.log.Warn("resume sweep failed", zap.Error(err))
			}
			if n > 0 {
				e.log.Debug("resume sweep completed", zap.Int("processed", n))
			}
		}
	}
}

// Close releases held resources.
func (e *Engine) Close() {
	if e.pgStore != nil {
		e.pgStore.Close()
	}
}
