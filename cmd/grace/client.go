package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/graceos/grace/core/pkg/api"
	"github.com/graceos/grace/core/pkg/config"
)

// defaultActor identifies the CLI when no actor flag or argument is given.
const defaultActor = "operator.cli"

// apiError carries a problem-details response so callers can branch on status.
type apiError struct {
	Status int
	Title  string
	Detail string
}

func (e *apiError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s (status %d)", e.Title, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

// client talks to a running core over the control API.
type client struct {
	base  string
	actor string
	http  *http.Client
}

// newClient resolves the target address from the flag, then
// GRACE_CORE_HTTP_ADDR, then the built-in default. Bare ports such as
// ":8080" are treated as loopback.
func newClient(addr, actor string) *client {
	if addr == "" {
		addr = os.Getenv("GRACE_CORE_HTTP_ADDR")
	}
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	if actor == "" {
		actor = defaultActor
	}
	// No client-wide timeout: await and replay calls bound themselves
	// through the request context.
	return &client{base: strings.TrimRight(base, "/"), actor: actor, http: &http.Client{}}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set(api.ActorHeader, c.actor)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeProblem(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream reads an NDJSON response line by line and hands each non-empty
// line to fn.
func (c *client) stream(ctx context.Context, path string, fn func(line []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(api.ActorHeader, c.actor)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeProblem(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func decodeProblem(resp *http.Response) error {
	e := &apiError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var p api.ProblemDetail
	if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p) == nil && p.Title != "" {
		e.Title, e.Detail = p.Title, p.Detail
	}
	return e
}
