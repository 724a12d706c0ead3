// Package server exposes the engine's HTTP API: document submission and
// status, credential cache administration and operational visibility.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/credential"
	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/pipeline"
	"github.com/facturalink/sri-engine/internal/sri"
	"github.com/facturalink/sri-engine/internal/tenant"
)

// Config holds server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

// Server is the HTTP API over the pipeline and the credential store.
type Server struct {
	config   Config
	router   *gin.Engine
	pipeline *pipeline.Pipeline
	creds    *credential.Store
	tenants  *tenant.Directory
	log      *zap.Logger
}

// New creates the API server. gatherer serves /metrics; pass nil to disable
// the endpoint.
func New(cfg Config, p *pipeline.Pipeline, creds *credential.Store, tenants *tenant.Directory, log *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	s := &Server{
		config:   cfg,
		router:   router,
		pipeline: p,
		creds:    creds,
		tenants:  tenants,
		log:      log,
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/documents", s.handleSubmit)
		v1.GET("/documents/:accessKey", s.handleStatus)
		v1.GET("/documents/:accessKey/events", s.handleEvents)
		v1.GET("/tenants/:tenantID/documents", s.handleTenantDocuments)

		v1.GET("/cache/stats", s.handleCacheStats)

		admin := v1.Group("/admin/credentials")
		{
			admin.POST("/preload", s.handlePreload)
			admin.POST("/:tenantID/reload", s.handleForceReload)
			admin.DELETE("/:tenantID", s.handleInvalidate)
			admin.GET("/:tenantID/validate", s.handleValidateCredential)
		}
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Handler returns the router for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	profile, err := s.tenants.Profile(req.TenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	doc, err := req.Document.toModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	rec, err := s.pipeline.Submit(c.Request.Context(), profile, doc, req.Sequence)
	if err != nil {
		s.writeSubmitError(c, rec, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// writeSubmitError maps pipeline failures onto HTTP statuses. The record is
// included whenever one was persisted, so the caller can track it.
func (s *Server) writeSubmitError(c *gin.Context, rec *pipeline.DocumentRecord, err error) {
	var verr *model.ValidationError
	switch {
	case model.IsValidationError(err):
		verr, _ = model.AsValidationError(err)
		resp := ErrorResponse{Error: "document validation failed"}
		for _, v := range verr.Violations {
			resp.Violations = append(resp.Violations, ViolationDTO{Field: v.Field, Rule: v.Rule, Message: v.Message})
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
	case model.IsUnsupportedSchema(err):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	case sri.IsRejected(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "record": rec})
	case sri.IsTransient(err), sri.IsUnavailable(err):
		// The record is parked in RETRY_PENDING; the scheduler retries it.
		c.JSON(http.StatusAccepted, gin.H{"error": err.Error(), "record": rec})
	case sri.IsProtocol(err):
		s.log.Error("authority protocol failure", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "record": rec})
	default:
		s.log.Error("submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "record": rec})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, err := s.pipeline.GetStatus(c.Request.Context(), c.Param("accessKey"))
	if err != nil {
		if err == pipeline.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "no record for access key"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleEvents(c *gin.Context) {
	events, err := s.pipeline.History(c.Request.Context(), c.Param("accessKey"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleTenantDocuments(c *gin.Context) {
	recs, err := s.pipeline.ByTenant(c.Request.Context(), c.Param("tenantID"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": recs})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.creds.Stats())
}

func (s *Server) handlePreload(c *gin.Context) {
	var req PreloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	results := s.creds.Preload(c.Request.Context(), req.TenantIDs)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleForceReload(c *gin.Context) {
	cred, err := s.creds.ForceReload(c.Request.Context(), c.Param("tenantID"))
	if err != nil {
		c.JSON(credentialErrorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, cred.Info())
}

func (s *Server) handleInvalidate(c *gin.Context) {
	removed := s.creds.Invalidate(c.Param("tenantID"))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleValidateCredential(c *gin.Context) {
	info, err := s.creds.Check(c.Request.Context(), c.Param("tenantID"))
	if err != nil {
		c.JSON(credentialErrorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func credentialErrorStatus(err error) int {
	switch {
	case credential.IsNotFound(err):
		return http.StatusNotFound
	case credential.IsExpired(err), credential.IsDecryption(err), credential.IsFormat(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
