package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/graceos/grace/core/pkg/contracts"
)

// runApproveCmd records one approver's vote on a pending review. The vote
// is submitted under the approver's own identity.
//
// Exit codes:
//   - 0 = vote recorded
//   - 1 = runtime error
//   - 2 = usage error
func runApproveCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "Usage: grace approve <request_id> <approver> <approve|reject> [--reason TEXT] [--addr ADDR]")
		return 2
	}
	id, approver, decision := args[0], args[1], args[2]
	if decision != "approve" && decision != "reject" {
		fmt.Fprintf(stderr, "Error: decision must be approve or reject, got %q\n", decision)
		return 2
	}

	cmd := flag.NewFlagSet("approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	reason := cmd.String("reason", "", "Free-text rationale recorded with the vote")
	addr := cmd.String("addr", "", "Core address (default GRACE_CORE_HTTP_ADDR)")
	if err := cmd.Parse(args[3:]); err != nil {
		return 2
	}

	cl := newClient(*addr, approver)
	body := map[string]any{"approver": approver, "decision": decision}
	if *reason != "" {
		body["reason"] = *reason
	}

	var req contracts.ApprovalRequest
	path := "/v1/approvals/" + url.PathEscape(id) + "/submit"
	if err := cl.do(context.Background(), http.MethodPost, path, body, &req); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s%s%s  %s  %d/%d votes\n",
		ColorBold+ColorGreen, req.State, ColorReset, req.ID, len(req.Approvals), req.RequiredApprovers)
	return 0
}
