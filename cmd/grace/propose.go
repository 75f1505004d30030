package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/graceos/grace/core/pkg/contracts"
)

// runProposeCmd submits an action proposal and prints the verdict.
//
// Exit codes:
//   - 0 = allowed
//   - 1 = usage or runtime error
//   - 2 = blocked
//   - 3 = review pending and --await not set
//   - 4 = review unresolved at the --await timeout
func runProposeCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "Usage: grace propose <actor> <action> <resource> [--payload JSON] [--await] [--timeout DUR] [--addr ADDR]")
		return 1
	}
	actor, action, resource := args[0], args[1], args[2]

	cmd := flag.NewFlagSet("propose", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	payload := cmd.String("payload", "", "JSON payload attached to the proposal")
	await := cmd.Bool("await", false, "Block until a review verdict resolves")
	timeout := cmd.Duration("timeout", time.Minute, "How long --await waits")
	addr := cmd.String("addr", "", "Core address (default GRACE_CORE_HTTP_ADDR)")
	if err := cmd.Parse(args[3:]); err != nil {
		return 1
	}
	if *payload != "" && !json.Valid([]byte(*payload)) {
		fmt.Fprintln(stderr, "Error: --payload must be valid JSON")
		return 1
	}

	cl := newClient(*addr, actor)
	ctx := context.Background()

	body := map[string]any{"action_kind": action, "resource": resource}
	if *payload != "" {
		body["payload"] = json.RawMessage(*payload)
	}
	var dec contracts.DecisionResponse
	if err := cl.do(ctx, http.MethodPost, "/v1/propose", body, &dec); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch dec.Effect {
	case contracts.EffectAllow:
		fmt.Fprintf(stdout, "%sallow%s  %s  %s\n", ColorBold+ColorGreen, ColorReset, dec.ProposalID, dec.Reason)
		return 0
	case contracts.EffectBlock:
		fmt.Fprintf(stdout, "%sblock%s  %s  %s\n", ColorBold+ColorRed, ColorReset, dec.ProposalID, dec.Reason)
		return 2
	}

	if !*await {
		fmt.Fprintf(stdout, "%sreview%s %s  approval=%s\n", ColorBold+ColorYellow, ColorReset, dec.ProposalID, dec.ApprovalID)
		return 3
	}

	// The server bounds the wait; pad the client context so the 408 from
	// the server arrives before the context does.
	awaitCtx, cancel := context.WithTimeout(ctx, *timeout+10*time.Second)
	defer cancel()
	awaitBody := map[string]any{"proposal_id": dec.ProposalID, "timeout": timeout.String()}
	var res struct {
		ProposalID string           `json:"proposal_id"`
		Effect     contracts.Effect `json:"effect"`
	}
	if err := cl.do(awaitCtx, http.MethodPost, "/v1/approvals/await", awaitBody, &res); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusRequestTimeout {
			fmt.Fprintf(stdout, "%sreview%s %s unresolved after %s\n", ColorBold+ColorYellow, ColorReset, dec.ProposalID, *timeout)
			return 4
		}
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(stdout, "%sreview%s %s unresolved after %s\n", ColorBold+ColorYellow, ColorReset, dec.ProposalID, *timeout)
			return 4
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if res.Effect == contracts.EffectAllow {
		fmt.Fprintf(stdout, "%sallow%s  %s  approved\n", ColorBold+ColorGreen, ColorReset, dec.ProposalID)
		return 0
	}
	fmt.Fprintf(stdout, "%sblock%s  %s  review resolved to %s\n", ColorBold+ColorRed, ColorReset, dec.ProposalID, res.Effect)
	return 2
}
