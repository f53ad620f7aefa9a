package cli

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/leakytokens/tokend/pkg/api"
)

func newPurchaseCommand() *Command {
	cmd := &Command{
		Name:        "purchase",
		Description: "Buy tokens, or show a purchase by ID",
		Flags:       flag.NewFlagSet("purchase", flag.ExitOnError),
		Run:         runPurchase,
	}

	cmd.Flags.String("tenant", "", "Tenant ID")
	cmd.Flags.Int64("tokens", 0, "Number of tokens to buy")
	cmd.Flags.Int64("amount-cents", 0, "Price in cents")
	cmd.Flags.String("key", "", "Idempotency key (generated when empty)")
	cmd.Flags.String("id", "", "Show an existing purchase instead of creating one")
	cmd.Flags.String("server", "http://localhost:8080", "tokend server URL")

	return cmd
}

func runPurchase(args []string) error {
	cmd := newPurchaseCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	tenant := cmd.Flags.Lookup("tenant").Value.String()
	tokens, _ := strconv.ParseInt(cmd.Flags.Lookup("tokens").Value.String(), 10, 64)
	amountCents, _ := strconv.ParseInt(cmd.Flags.Lookup("amount-cents").Value.String(), 10, 64)
	key := cmd.Flags.Lookup("key").Value.String()
	id := cmd.Flags.Lookup("id").Value.String()
	server := cmd.Flags.Lookup("server").Value.String()

	if tenant == "" {
		return fmt.Errorf("tenant is required")
	}

	if id != "" {
		resp, err := apiRequest("GET", server+"/api/v1/purchases/"+id, tenant, "", nil)
		if err != nil {
			return fmt.Errorf("failed to fetch purchase: %w", err)
		}
		var purchase api.PurchaseResponse
		if err := decodeResponse(resp, &purchase); err != nil {
			return err
		}
		printPurchase(&purchase)
		return nil
	}

	if tokens <= 0 {
		return fmt.Errorf("tokens must be positive")
	}
	if key == "" {
		key = uuid.New().String()
	}

	resp, err := apiRequest("POST", server+"/api/v1/purchases", tenant, key,
		api.PurchaseRequest{Tokens: tokens, AmountCents: amountCents})
	if err != nil {
		return fmt.Errorf("failed to start purchase: %w", err)
	}

	var purchase api.PurchaseResponse
	if resp.StatusCode >= 400 && resp.StatusCode != 402 && resp.StatusCode != 409 {
		return decodeResponse(resp, nil)
	}
	if err := decodeDeniedDecision(resp, &purchase); err != nil {
		return fmt.Errorf("failed to decode purchase: %w", err)
	}
	printPurchase(&purchase)
	if !purchase.Terminal {
		fmt.Println("Purchase is still in flight; re-run with -id to poll")
	}
	return nil
}

func printPurchase(p *api.PurchaseResponse) {
	fmt.Printf("Purchase: %s\n", p.ID)
	fmt.Printf("Tenant:   %s\n", p.TenantID)
	fmt.Printf("Tokens:   %d (%d cents)\n", p.Tokens, p.AmountCents)
	fmt.Printf("State:    %s\n", p.State)
	if p.FailureReason != "" {
		fmt.Printf("Failure:  %s\n", p.FailureReason)
	}
}
