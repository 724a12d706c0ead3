package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var validateCertCmd = &cobra.Command{
	Use:   "validate-cert <tenant-id>",
	Short: "Inspect a tenant's signing credential",
	Long: `Resolve and parse a tenant's signing credential without touching
the cache, then print the certificate metadata. Fails if the material
cannot be decrypted, cannot be parsed, or is outside its validity
window.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidateCert,
}

func init() {
	rootCmd.AddCommand(validateCertCmd)
}

func runValidateCert(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, _, log, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer log.Sync() //nolint:errcheck

	info, err := engine.ValidateCredential(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(info)
}
