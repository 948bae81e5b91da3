package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/lockbox/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Query recorded audit events. Events carry the action, outcome, and
non-sensitive metadata; plaintext and key material are never logged.`,
	RunE: runAuditQuery,
}

var (
	auditAction   string
	auditSince    string
	auditUntil    string
	auditFailures bool
	auditLimit    int
	auditJSON     bool
)

func init() {
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (unlock, encrypt_field, ...)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "events after this time (RFC3339 or duration like 24h)")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "events before this time (RFC3339)")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(auditCmd)
}

func parseTimeFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		t := time.Now().UTC().Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q, use RFC3339 or a duration: %w", value, err)
	}
	return &t, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	since, err := parseTimeFlag(auditSince)
	if err != nil {
		return err
	}
	until, err := parseTimeFlag(auditUntil)
	if err != nil {
		return err
	}

	options := audit.QueryOptions{
		Since:  since,
		Until:  until,
		Action: auditAction,
		Limit:  auditLimit,
	}
	if auditFailures {
		failed := false
		options.Success = &failed
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No matching audit events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tRESULT\tDETAIL")
	for _, ev := range result.Events {
		outcome := "ok"
		if !ev.Success {
			outcome = "FAILED"
		}
		detail := ev.Error
		if detail == "" {
			detail = ev.Location
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Action, outcome, detail)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if result.HasMore {
		fmt.Printf("... %d of %d matching events shown, raise --limit for more\n",
			len(result.Events), result.Filtered)
	}
	return nil
}
