package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var preloadTenants []string

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Warm the credential cache for a set of tenants",
	Long: `Load and cache signing credentials ahead of traffic. With no
--tenant flags, every tenant in the tenants file is preloaded. The exit
status is non-zero if any tenant failed to load.`,
	RunE: runPreload,
}

func init() {
	rootCmd.AddCommand(preloadCmd)
	preloadCmd.Flags().StringSliceVar(&preloadTenants, "tenant", nil, "Tenant ID to preload (repeatable; default all)")
}

func runPreload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, _, log, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer log.Sync() //nolint:errcheck

	tenants := preloadTenants
	if len(tenants) == 0 {
		tenants = engine.Tenants().IDs()
	}

	results := engine.PreloadCredentials(ctx, tenants)
	if err := printJSON(results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed to preload", failed, len(results))
	}
	return nil
}
