package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/graceos/grace/core/pkg/contracts"
)

// runReadinessCmd reports whether all sustained benchmarks clear their bars.
//
// Exit codes:
//   - 0 = ready
//   - 1 = not ready
//   - 2 = usage or runtime error
func runReadinessCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("readiness", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Core address (default GRACE_CORE_HTTP_ADDR)")
	actor := cmd.String("actor", "", "Actor identity for the request")
	jsonOut := cmd.Bool("json", false, "Output the full report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cl := newClient(*addr, *actor)
	var rep contracts.ReadinessResponse
	if err := cl.do(context.Background(), http.MethodGet, "/v1/readiness", nil, &rep); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		printReadiness(stdout, rep)
	}

	if rep.Ready {
		return 0
	}
	return 1
}

func printReadiness(w io.Writer, rep contracts.ReadinessResponse) {
	if rep.Ready {
		fmt.Fprintf(w, "%sREADY%s\n", ColorBold+ColorGreen, ColorReset)
	} else {
		fmt.Fprintf(w, "%sNOT READY%s\n", ColorBold+ColorYellow, ColorReset)
	}
	fmt.Fprintf(w, "  health=%s trust=%s confidence=%s\n",
		fmtScore(rep.OverallHealth), fmtScore(rep.OverallTrust), fmtScore(rep.OverallConfidence))

	names := make([]string, 0, len(rep.Benchmarks))
	for name := range rep.Benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := rep.Benchmarks[name]
		state := ColorRed + "below" + ColorReset
		if b.Sustained {
			state = ColorGreen + "sustained" + ColorReset
		}
		fmt.Fprintf(w, "  %-18s %s avg=%s threshold=%.2f window=%dd samples=%d\n",
			name, state, fmtScore(b.Average), b.Threshold, b.WindowDays, b.Samples)
	}
}

func fmtScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}
