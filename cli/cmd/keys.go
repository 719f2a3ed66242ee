package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage key shares",
	Long:  `Inspect and revoke the key shares registered for a tenant database.`,
}

var keyListCmd = &cobra.Command{
	Use:   "list <database-id-hash>",
	Short: "List key shares of a tenant",
	Long:  `List every key share registered for the tenant, with role, zone and expiry.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyList,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <database-id-hash> <key-locator-hash>",
	Short: "Revoke a key share",
	Long: `Revoke a key share. The presented key hash must match the stored one;
revoking the last share of a tenant makes its data permanently unrecoverable.`,
	Args: cobra.ExactArgs(2),
	RunE: runKeyRevoke,
}

var (
	jsonOutput    bool
	revokeKeyHash string
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyRevokeCmd)

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyRevokeCmd.Flags().StringVar(&revokeKeyHash, "key-hash", "", "Argon2id key hash gating the revocation (required)")
	keyRevokeCmd.MarkFlagRequired("key-hash")
}

func runKeyList(cmd *cobra.Command, args []string) error {
	records, err := service.Registry().List(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATOR\tROLE\tZONE\tEXPIRES\tUPDATED")
	for _, rec := range records {
		acl := service.Registry().ACLOf(&rec)
		expires := "-"
		if rec.ExpiryDate != nil {
			expires = rec.ExpiryDate.Format(time.RFC3339)
		}
		zone := rec.Zone
		if zone == "" {
			zone = "standard"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shorten(rec.KeyLocatorHash), acl.Role, zone, expires, rec.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	deleted, err := service.Registry().Revoke(cmd.Context(), args[0], args[1], revokeKeyHash)
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	if !deleted {
		fmt.Println("No matching key share found (already revoked?).")
		return nil
	}
	fmt.Println("Key share revoked.")
	return nil
}
