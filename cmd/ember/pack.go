package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/artifact"
	"github.com/emberml/ember/internal/logger"
)

func packCmd() *cli.Command {
	var (
		outPath string
		quant   string
		layers  int64
		heads   int64
		kvHeads int64
		headDim int64
		ffnDim  int64
		vocab   int64
		maxCtx  int64
		seed    int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Build a synthetic model artifact with seeded random weights",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path", Value: "toy.embr", Destination: &outPath},
			&cli.StringFlag{Name: "quant", Usage: "weight scheme: f32, f16 or q8", Value: "q8", Destination: &quant},
			&cli.Int64Flag{Name: "layers", Value: 2, Destination: &layers},
			&cli.Int64Flag{Name: "heads", Value: 4, Destination: &heads},
			&cli.Int64Flag{Name: "kv-heads", Value: 4, Destination: &kvHeads},
			&cli.Int64Flag{Name: "head-dim", Value: 8, Destination: &headDim},
			&cli.Int64Flag{Name: "ffn-dim", Value: 64, Destination: &ffnDim},
			&cli.Int64Flag{Name: "vocab", Value: 96, Destination: &vocab},
			&cli.Int64Flag{Name: "max-context", Value: 64, Destination: &maxCtx},
			&cli.Int64Flag{Name: "seed", Value: 42, Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var scheme artifact.Scheme
			switch quant {
			case "f32":
				scheme = artifact.SchemeF32
			case "f16":
				scheme = artifact.SchemeF16
			case "q8":
				scheme = artifact.SchemeQ8
			default:
				return cli.Exit(fmt.Sprintf("error: unknown quant scheme %q", quant), exitUsage)
			}

			cfg := artifact.ModelConfig{
				Hidden:     int(heads * headDim),
				Layers:     int(layers),
				Heads:      int(heads),
				KVHeads:    int(kvHeads),
				HeadDim:    int(headDim),
				FFNDim:     int(ffnDim),
				VocabSize:  int(vocab),
				MaxContext: int(maxCtx),
				RopeBase:   10000.0,
				NormEps:    1e-5,
				Quant:      scheme,
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}

			buf, err := packArtifact(cfg, scheme, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			if err := os.WriteFile(outPath, buf, 0o644); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			logger.Log.Info("artifact written", "path", outPath,
				"bytes", len(buf), "quant", scheme.String(), "layers", cfg.Layers)
			return nil
		},
	}
}

func packArtifact(cfg artifact.ModelConfig, scheme artifact.Scheme, seed int64) ([]byte, error) {
	rng := rand.New(rand.NewSource(seed))
	kvDim := cfg.KVDim()
	b := artifact.NewBuilder(cfg)

	matrix := func(name string, rows, cols int) error {
		vals := make([]float32, rows*cols)
		scale := float32(1.0 / math.Sqrt(float64(cols)))
		for i := range vals {
			vals[i] = float32(rng.NormFloat64()) * scale
		}
		return b.Add(name, []int{rows, cols}, scheme, vals)
	}
	norm := func(name string, size int) error {
		vals := make([]float32, size)
		for i := range vals {
			vals[i] = 1
		}
		return b.Add(name, []int{size}, artifact.SchemeF32, vals)
	}

	steps := []func() error{
		func() error { return matrix("token_embd.weight", cfg.VocabSize, cfg.Hidden) },
		func() error { return norm("output_norm.weight", cfg.Hidden) },
		func() error { return matrix("output.weight", cfg.VocabSize, cfg.Hidden) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	for l := 0; l < cfg.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		pairs := []struct {
			name       string
			rows, cols int
		}{
			{p + "attn_q.weight", cfg.Hidden, cfg.Hidden},
			{p + "attn_k.weight", kvDim, cfg.Hidden},
			{p + "attn_v.weight", kvDim, cfg.Hidden},
			{p + "attn_output.weight", cfg.Hidden, cfg.Hidden},
			{p + "ffn_gate.weight", cfg.FFNDim, cfg.Hidden},
			{p + "ffn_up.weight", cfg.FFNDim, cfg.Hidden},
			{p + "ffn_down.weight", cfg.Hidden, cfg.FFNDim},
		}
		if err := norm(p+"attn_norm.weight", cfg.Hidden); err != nil {
			return nil, err
		}
		if err := norm(p+"ffn_norm.weight", cfg.Hidden); err != nil {
			return nil, err
		}
		for _, m := range pairs {
			if err := matrix(m.name, m.rows, m.cols); err != nil {
				return nil, err
			}
		}
	}
	return b.Bytes()
}
