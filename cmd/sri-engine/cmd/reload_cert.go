package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var reloadCertCmd = &cobra.Command{
	Use:   "reload-cert <tenant-id>",
	Short: "Force-reload a tenant's cached credential",
	Long: `Evict any cached credential for the tenant and load fresh material
from the resolver. Use this after rotating a certificate so in-flight
signing picks up the new key immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runReloadCert,
}

func init() {
	rootCmd.AddCommand(reloadCertCmd)
}

func runReloadCert(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, _, log, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer log.Sync() //nolint:errcheck

	info, err := engine.ForceReloadCredential(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(info)
}
