package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/config"
	"github.com/facturalink/sri-engine/internal/observability/logger"
	"github.com/facturalink/sri-engine/internal/tenant"
	"github.com/facturalink/sri-engine/pkg/sriengine"
)

var (
	version = "1.0.0"

	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sri-engine",
	Short: "Electronic invoicing compliance engine for the Ecuadorian SRI",
	Long: `sri-engine builds, signs and submits electronic tax documents
(invoices, credit notes, debit notes) to the SRI, and tracks each
document to its terminal authorization state.

Examples:
  # Start the HTTP API with a config file
  sri-engine serve --config config.yaml

  # Submit a document from a JSON file
  sri-engine submit --tenant acme --sequence 42 document.json

  # Check the state of a submitted document
  sri-engine status 2808202601179214673900110010010000000421426846818

  # Warm the credential cache
  sri-engine preload --tenant acme --tenant globex`,
	Version: version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (env: SRI_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv("SRI_CONFIG")
	}
}

// loadEngine assembles the engine shared by all commands.
func loadEngine(ctx context.Context) (*sriengine.Engine, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.New(cfg.Log)

	tenants, err := tenant.LoadDirectory(cfg.TenantsFile, cfg.ModelEnvironment())
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := sriengine.New(ctx, cfg, log, tenants)
	if err != nil {
		return nil, nil, nil, err
	}
	return engine, cfg, log, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
