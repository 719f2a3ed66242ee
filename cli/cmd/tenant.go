package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	dok "github.com/Doctor-One/doctor-dok"
	"github.com/Doctor-One/doctor-dok/internal/crypto"
	"github.com/Doctor-One/doctor-dok/persist"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenant databases",
	Long:  `List and delete tenant databases. Tenants are identified by their salted database id hash.`,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	Long:  `List every tenant database known to the registry store.`,
	RunE:  runTenantList,
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Provision a tenant database",
	Long: `Provision a tenant database with its first owner key share, without going
through the HTTP API. A master key and a shared secret are generated locally;
the master key is wrapped under the shared secret and only the wrapped form is
stored. Save the printed shared secret - it cannot be recovered.`,
	Args: cobra.ExactArgs(1),
	RunE: runTenantCreate,
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <database-id-hash>",
	Short: "Delete a tenant database",
	Long: `Delete a tenant database including every key share. The data becomes
permanently unrecoverable; there is no server-side escrow.`,
	Args: cobra.ExactArgs(1),
	RunE: runTenantDelete,
}

var (
	tenantForce     bool
	tenantSharedKey string
)

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)

	tenantListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	tenantCreateCmd.Flags().StringVar(&tenantSharedKey, "shared-key", "", "Owner shared secret (generated when omitted)")
	tenantCreateCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	tenantDeleteCmd.Flags().BoolVar(&tenantForce, "force", false, "Skip the confirmation prompt")
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	tenantID := args[0]

	sharedKey := tenantSharedKey
	if sharedKey == "" {
		var err error
		if sharedKey, err = crypto.RandomKey(32); err != nil {
			return fmt.Errorf("failed to generate shared secret: %w", err)
		}
	}
	masterKey, err := crypto.RandomKey(32)
	if err != nil {
		return fmt.Errorf("failed to generate master key: %w", err)
	}

	params, err := dok.DefaultHashParams()
	if err != nil {
		return err
	}
	keyHash, err := dok.DeriveAuthHash(sharedKey, params)
	if err != nil {
		return fmt.Errorf("failed to hash shared secret: %w", err)
	}
	encodedParams, err := params.Encode()
	if err != nil {
		return err
	}
	wrapped, err := dok.EncryptStringWith(masterKey, sharedKey)
	if err != nil {
		return fmt.Errorf("failed to wrap master key: %w", err)
	}

	record := dok.KeyRecord{
		DatabaseIDHash:     dok.DeriveTenantHash(tenantID, dok.DefaultTenantHashSalt),
		KeyLocatorHash:     dok.DeriveLocatorHash(sharedKey, tenantID, dok.DefaultLocatorHashSalt),
		KeyHash:            keyHash,
		KeyHashParams:      encodedParams,
		EncryptedMasterKey: wrapped,
	}
	manifest := persist.TenantManifest{CreatorUA: "doctor-dok-cli"}
	if err = service.CreateDatabase(cmd.Context(), record, manifest); err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	out := map[string]string{
		"databaseIdHash": record.DatabaseIDHash,
		"keyLocatorHash": record.KeyLocatorHash,
		"sharedKey":      sharedKey,
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("Tenant created.\n")
	fmt.Printf("  Database id hash: %s\n", record.DatabaseIDHash)
	fmt.Printf("  Key locator hash: %s\n", record.KeyLocatorHash)
	fmt.Printf("  Shared secret:    %s\n", sharedKey)
	fmt.Println("Store the shared secret now; it is not recoverable later.")
	return nil
}

func runTenantList(cmd *cobra.Command, args []string) error {
	tenants, err := service.Registry().Store().ListTenants(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tenants)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATABASE ID HASH\tKEYS")
	for _, hash := range tenants {
		keys, err := service.Registry().Store().ListKeys(cmd.Context(), hash)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\n", hash, len(keys))
	}
	return w.Flush()
}

func runTenantDelete(cmd *cobra.Command, args []string) error {
	hash := args[0]

	if !tenantForce {
		fmt.Printf("Deleting tenant %s destroys all of its key shares and makes its data unrecoverable.\n", shorten(hash))
		fmt.Print("Continue? (y/N): ")
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		if strings.TrimSpace(response) != "y" && strings.TrimSpace(response) != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := service.Registry().Store().DeleteTenant(cmd.Context(), hash); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	fmt.Println("Tenant deleted.")
	return nil
}
