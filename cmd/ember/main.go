package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/logger"
)

// Exit codes, also used by the generate command's error mapping.
const (
	exitUsage           = 1
	exitMalformedModel  = 2
	exitContextExceeded = 3
	exitBackendFailure  = 4
	exitCancelled       = 5
)

func main() {
	var logLevel, logFormat string

	app := &cli.Command{
		Name:  "ember",
		Usage: "On-device transformer inference runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn, error",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console or json",
				Value:       "console",
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger.Setup(logLevel, logFormat)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			inspectCmd(),
			packCmd(),
			serveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(exitUsage)
	}
}
