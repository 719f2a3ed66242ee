package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Doctor-One/doctor-dok/audit"
)

var (
	auditJSONOutput   bool
	auditSince        string
	auditUntil        string
	auditAction       string
	auditZone         string
	auditLocator      string
	auditLimit        int
	auditOffset       int
	auditFailuresOnly bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query the audit trail of key lifecycle and authorization events.

Examples:
  # All events for a tenant
  doctor-dok audit query <database-id-hash>

  # Failed enclave authorizations in a time range
  doctor-dok audit query <database-id-hash> --failures-only --zone enclave \
    --since "2026-08-01T00:00:00Z"`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query [database-id-hash]",
	Short: "Query audit events with filters",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditQuery,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "Only events after this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "Only events before this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action (key_register, key_revoke, authorize_enclave, ...)")
	auditQueryCmd.Flags().StringVar(&auditZone, "zone", "", "Filter by zone (enclave)")
	auditQueryCmd.Flags().StringVar(&auditLocator, "locator", "", "Filter by key locator hash")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "Events to skip")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Action:         auditAction,
		Zone:           auditZone,
		KeyLocatorHash: auditLocator,
		Limit:          auditLimit,
		Offset:         auditOffset,
	}
	if len(args) == 1 {
		options.DatabaseIDHash = args[0]
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}

	var err error
	if options.Since, err = parseTimeFlag(auditSince); err != nil {
		return err
	}
	if options.Until, err = parseTimeFlag(auditUntil); err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tTENANT\tLOCATOR\tZONE\tREASON")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339), event.Action, event.Success,
			shorten(event.DatabaseIDHash), shorten(event.KeyLocatorHash),
			event.Zone, event.Reason)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d of %d events", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Print(" (more available, use --offset)")
	}
	fmt.Println()
	return nil
}

func parseTimeFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q (want RFC3339): %w", value, err)
	}
	return &t, nil
}
