package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graceos/grace/core/pkg/api"
	"github.com/graceos/grace/core/pkg/config"
	"github.com/graceos/grace/core/pkg/core"
)

// runServeCmd runs the control plane until SIGINT or SIGTERM.
//
// Exit codes:
//   - 0 = clean shutdown
//   - 1 = startup or shutdown error
//   - 2 = flag error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dataDir    string
		configPath string
		addr       string
	)
	cmd.StringVar(&dataDir, "data-dir", "", "State directory (overrides GRACE_CORE_DATA_DIR)")
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides GRACE_CORE_HTTP_ADDR)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	// Flags win by writing the env the loader reads.
	if dataDir != "" {
		os.Setenv("GRACE_CORE_DATA_DIR", dataDir)
	}
	if addr != "" {
		os.Setenv("GRACE_CORE_HTTP_ADDR", addr)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := core.New(ctx, cfg, core.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	c.Start()

	apiCfg := api.Config{
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
		Logger:    logger,
	}
	if cfg.JWTHS256Key != "" {
		apiCfg.JWTHS256Key = []byte(cfg.JWTHS256Key)
	}
	srv := api.NewServer(c, apiCfg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No write timeout: subscribe responses stream indefinitely.
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	fmt.Fprintf(stdout, "%sGrace Core listening on %s%s\n", ColorBold+ColorBlue, cfg.HTTPAddr, ColorReset)
	logger.Info("control api listening", "addr", cfg.HTTPAddr, "data_dir", cfg.DataDir)

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		exit = 1
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	srv.Close()
	if err := c.Close(shutCtx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return exit
}
