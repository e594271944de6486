package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/artifact"
	"github.com/emberml/ember/internal/config"
	"github.com/emberml/ember/internal/engine"
	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/server"
	"github.com/emberml/ember/internal/tensor"
	"github.com/emberml/ember/internal/tracesink"
)

func serveCmd() *cli.Command {
	var (
		configPath string
		modelPath  string
		addr       string
		backend    string
		workers    int64
		traceAddr  string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generation over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to TOML config", Destination: &configPath},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to model artifact", Destination: &modelPath},
			&cli.StringFlag{Name: "addr", Usage: "listen address", Destination: &addr},
			&cli.StringFlag{Name: "backend", Usage: "ref or parallel", Destination: &backend},
			&cli.Int64Flag{Name: "workers", Usage: "backend worker count", Destination: &workers},
			&cli.StringFlag{Name: "trace-addr", Usage: "Arrow Flight collector for step traces", Destination: &traceAddr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			if modelPath != "" {
				cfg.ModelPath = modelPath
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if workers > 0 {
				cfg.Workers = int(workers)
			}
			if traceAddr != "" {
				cfg.TraceAddr = traceAddr
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			if cfg.ModelPath == "" {
				return cli.Exit("error: --model is required", exitUsage)
			}

			model, err := artifact.Open(cfg.ModelPath)
			if err != nil {
				return exitFor(err)
			}
			be, err := tensor.New(cfg.Backend, cfg.Workers)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			eng, err := engine.New(model, be)
			if err != nil {
				return exitFor(err)
			}

			var trace tracesink.Sink
			if cfg.TraceAddr != "" {
				sink, err := tracesink.NewFlightSink(cfg.TraceAddr)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
				}
				defer sink.Close()
				trace = sink
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           server.New(eng, cfg, trace).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Log.Info("http server listening", "addr", cfg.ListenAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return cli.Exit(fmt.Sprintf("error: shutdown: %v", err), exitUsage)
				}
				logger.Log.Info("http server stopped")
			}
			return nil
		},
	}
}
