package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/server"
)

var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the resume scheduler",
	Long: `Start the HTTP API server together with the background scheduler
that resumes submitted documents until the authority reaches a
terminal decision.

Endpoints:
  POST   /api/v1/documents                          - Submit a document
  GET    /api/v1/documents/:accessKey               - Document record
  GET    /api/v1/documents/:accessKey/events        - Audit trail
  GET    /api/v1/tenants/:tenantID/documents        - Tenant documents
  GET    /api/v1/cache/stats                        - Credential cache stats
  POST   /api/v1/admin/credentials/preload          - Warm the cache
  POST   /api/v1/admin/credentials/:tenantID/reload - Reload after rotation
  DELETE /api/v1/admin/credentials/:tenantID        - Drop a cached credential
  GET    /api/v1/admin/credentials/:tenantID/validate - Inspect a container
  GET    /health                                    - Health check
  GET    /metrics                                   - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable gin debug mode")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, cfg, log, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer log.Sync() //nolint:errcheck

	go func() {
		if err := engine.RunScheduler(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler exited", zap.Error(err))
		}
	}()

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Debug:           serveDebug,
	}, engine.Pipeline(), engine.Credentials(), engine.Tenants(), log.Named("http"), engine.Registry())

	log.Info("server starting", zap.String("addr", cfg.Server.Addr))
	return srv.Run(ctx)
}
