package cli

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/leakytokens/tokend/pkg/ledger"
)

func newHistoryCommand() *Command {
	cmd := &Command{
		Name:        "history",
		Description: "List recent ledger entries for the tenant",
		Flags:       flag.NewFlagSet("history", flag.ExitOnError),
		Run:         runHistory,
	}

	cmd.Flags.String("tenant", "", "Tenant ID")
	cmd.Flags.Int("limit", 20, "Max entries to list")
	cmd.Flags.String("server", "http://localhost:8080", "tokend server URL")

	return cmd
}

func runHistory(args []string) error {
	cmd := newHistoryCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	tenant := cmd.Flags.Lookup("tenant").Value.String()
	limit, _ := strconv.Atoi(cmd.Flags.Lookup("limit").Value.String())
	server := cmd.Flags.Lookup("server").Value.String()

	if tenant == "" {
		return fmt.Errorf("tenant is required")
	}

	url := fmt.Sprintf("%s/api/v1/quota/history?limit=%d", server, limit)
	resp, err := apiRequest("GET", url, tenant, "", nil)
	if err != nil {
		return fmt.Errorf("failed to fetch history: %w", err)
	}

	var history struct {
		TenantID string          `json:"tenant_id"`
		Entries  []*ledger.Entry `json:"entries"`
	}
	if err := decodeResponse(resp, &history); err != nil {
		return err
	}

	if len(history.Entries) == 0 {
		fmt.Println("No ledger entries")
		return nil
	}

	for _, entry := range history.Entries {
		fmt.Printf("%s  %-16s %+6d  balance=%d  key=%s\n",
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.Kind, entry.Delta, entry.ResultingBalance, entry.IdempotencyKey)
	}
	return nil
}
