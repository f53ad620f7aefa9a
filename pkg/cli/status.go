package cli

import (
	"flag"
	"fmt"

	"github.com/leakytokens/tokend/pkg/api"
)

func newStatusCommand() *Command {
	cmd := &Command{
		Name:        "status",
		Description: "Show the tenant's token balance",
		Flags:       flag.NewFlagSet("status", flag.ExitOnError),
		Run:         runStatus,
	}

	cmd.Flags.String("tenant", "", "Tenant ID")
	cmd.Flags.String("server", "http://localhost:8080", "tokend server URL")

	return cmd
}

func runStatus(args []string) error {
	cmd := newStatusCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	tenant := cmd.Flags.Lookup("tenant").Value.String()
	server := cmd.Flags.Lookup("server").Value.String()

	if tenant == "" {
		return fmt.Errorf("tenant is required")
	}

	resp, err := apiRequest("GET", server+"/api/v1/quota", tenant, "", nil)
	if err != nil {
		return fmt.Errorf("failed to fetch quota status: %w", err)
	}

	var status api.QuotaStatusResponse
	if err := decodeResponse(resp, &status); err != nil {
		return err
	}

	fmt.Printf("Tenant:  %s\n", status.TenantID)
	fmt.Printf("Balance: %d tokens\n", status.Balance)
	fmt.Printf("Version: %d\n", status.Version)
	return nil
}
