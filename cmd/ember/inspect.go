package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/artifact"
)

func inspectCmd() *cli.Command {
	var modelPath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a model artifact's configuration and tensor table as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to model artifact",
				Destination: &modelPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if modelPath == "" {
				return cli.Exit("error: --model is required", exitUsage)
			}
			m, err := artifact.Open(modelPath)
			if err != nil {
				return exitFor(err)
			}

			type tensorInfo struct {
				Name   string `json:"name"`
				Dims   []int  `json:"dims"`
				Scheme string `json:"scheme"`
				Bytes  uint64 `json:"bytes"`
			}
			out := struct {
				Config  artifact.ModelConfig `json:"config"`
				Tensors []tensorInfo         `json:"tensors"`
			}{Config: m.Config}

			for _, d := range m.Tensors {
				out.Tensors = append(out.Tensors, tensorInfo{
					Name:   d.Name,
					Dims:   d.Dims,
					Scheme: d.Scheme.String(),
					Bytes:  d.Length,
				})
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			return nil
		},
	}
}
