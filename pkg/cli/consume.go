package cli

import (
	"flag"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/leakytokens/tokend/pkg/api"
)

func newConsumeCommand() *Command {
	cmd := &Command{
		Name:        "consume",
		Description: "Consume tokens from the tenant's balance",
		Flags:       flag.NewFlagSet("consume", flag.ExitOnError),
		Run:         runConsume,
	}

	cmd.Flags.String("tenant", "", "Tenant ID")
	cmd.Flags.Int64("amount", 0, "Number of tokens to consume")
	cmd.Flags.String("key", "", "Idempotency key (generated when empty)")
	cmd.Flags.String("ref", "", "Optional request reference")
	cmd.Flags.Bool("check", false, "Advisory check only, no deduction")
	cmd.Flags.String("server", "http://localhost:8080", "tokend server URL")

	return cmd
}

func runConsume(args []string) error {
	cmd := newConsumeCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	tenant := cmd.Flags.Lookup("tenant").Value.String()
	amount, _ := strconv.ParseInt(cmd.Flags.Lookup("amount").Value.String(), 10, 64)
	key := cmd.Flags.Lookup("key").Value.String()
	ref := cmd.Flags.Lookup("ref").Value.String()
	checkOnly := cmd.Flags.Lookup("check").Value.String() == "true"
	server := cmd.Flags.Lookup("server").Value.String()

	if tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	var resp *http.Response
	var err error
	if checkOnly {
		resp, err = apiRequest("POST", server+"/api/v1/quota/check", tenant, "",
			api.CheckRequest{Amount: amount})
	} else {
		if key == "" {
			key = uuid.New().String()
		}
		resp, err = apiRequest("POST", server+"/api/v1/quota/consume", tenant, key,
			api.ConsumeRequest{Amount: amount, RequestRef: ref})
	}
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}

	// A denied decision still carries a response body worth showing.
	if resp.StatusCode == http.StatusTooManyRequests {
		var decision api.DecisionResponse
		if decodeErr := decodeDeniedDecision(resp, &decision); decodeErr == nil && decision.Decision != nil {
			retry := resp.Header.Get("Retry-After")
			if retry != "" {
				return fmt.Errorf("denied: %s (retry after %ss)", decision.Reason, retry)
			}
			return fmt.Errorf("denied: %s", decision.Reason)
		}
		return fmt.Errorf("denied")
	}

	var decision api.DecisionResponse
	if err := decodeResponse(resp, &decision); err != nil {
		return err
	}
	if decision.Decision == nil {
		return fmt.Errorf("server returned no decision")
	}

	if checkOnly {
		if decision.Allowed {
			fmt.Printf("Check passed, %d tokens available\n", decision.Remaining)
		} else {
			fmt.Printf("Check denied: %s\n", decision.Reason)
		}
		return nil
	}

	fmt.Printf("Consumed %d tokens, %d remaining (idempotency key %s)\n", amount, decision.Remaining, key)
	return nil
}
