package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/ledger"
	"github.com/graceos/grace/core/pkg/mesh"
)

// runReplayCmd prints historical events matching a topic pattern as
// NDJSON, one event per line. With --data-dir it reads the log directly,
// which works while the server is down; otherwise it streams from a
// running core.
//
// Exit codes:
//   - 0 = done
//   - 1 = usage or runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "Usage: grace replay <pattern> [--from SEQ] [--data-dir PATH] [--addr ADDR]")
		return 1
	}
	pattern := args[0]

	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	from := cmd.Uint64("from", 0, "Replay from this seq")
	dataDir := cmd.String("data-dir", "", "Read this state directory instead of a running core")
	addr := cmd.String("addr", "", "Core address (default GRACE_CORE_HTTP_ADDR)")
	actor := cmd.String("actor", "", "Actor identity for the request")
	if err := cmd.Parse(args[1:]); err != nil {
		return 1
	}

	if *dataDir != "" {
		return replayOffline(*dataDir, pattern, *from, stdout, stderr)
	}

	cl := newClient(*addr, *actor)
	path := "/v1/replay?pattern=" + url.QueryEscape(pattern) + "&from=" + strconv.FormatUint(*from, 10)
	err := cl.stream(context.Background(), path, func(line []byte) error {
		_, werr := fmt.Fprintf(stdout, "%s\n", line)
		return werr
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func replayOffline(dataDir, pattern string, from uint64, stdout, stderr io.Writer) int {
	lg, err := ledger.Open(filepath.Join(dataDir, "log"), ledger.Config{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer lg.Close()

	m, err := mesh.New(mesh.Config{Log: lg})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer m.Close()

	rep, err := m.Replay(pattern, from)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	for {
		ev, ok := rep.Next()
		if !ok {
			break
		}
		if err := enc.Encode(eventLine(ev)); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := rep.Err(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// eventLine mirrors the control API's replay stream shape.
func eventLine(ev contracts.Event) map[string]any {
	out := map[string]any{"topic": ev.Topic, "seq": ev.Seq, "ts": ev.TS}
	if len(ev.Payload) > 0 {
		if json.Valid(ev.Payload) {
			out["payload"] = json.RawMessage(ev.Payload)
		} else {
			out["payload"] = ev.Payload
		}
	}
	return out
}
