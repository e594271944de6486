package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/artifact"
	"github.com/emberml/ember/internal/config"
	"github.com/emberml/ember/internal/engine"
	"github.com/emberml/ember/internal/kvcache"
	"github.com/emberml/ember/internal/tensor"
	"github.com/emberml/ember/internal/tracesink"
)

func generateCmd() *cli.Command {
	var (
		configPath string
		modelPath  string
		tokensCSV  string
		stopCSV    string
		maxTokens  int64
		temp       float64
		topK       int64
		topP       float64
		repPenalty float64
		seed       int64
		backend    string
		workers    int64
		policy     string
		ctxLen     int64
		traceAddr  string
		stream     bool
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate a token sequence from a tokenized prompt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to TOML config", Destination: &configPath},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to model artifact", Destination: &modelPath},
			&cli.StringFlag{Name: "tokens", Aliases: []string{"p"}, Usage: "comma-separated prompt token ids", Destination: &tokensCSV},
			&cli.StringFlag{Name: "stop", Usage: "comma-separated stop token ids", Destination: &stopCSV},
			&cli.Int64Flag{Name: "max-tokens", Aliases: []string{"n"}, Usage: "maximum tokens to generate", Destination: &maxTokens},
			&cli.Float64Flag{Name: "temp", Aliases: []string{"t"}, Usage: "sampling temperature (0 = greedy)", Value: -1, Destination: &temp},
			&cli.Int64Flag{Name: "top-k", Usage: "top-k filter, 0 disables", Value: -1, Destination: &topK},
			&cli.Float64Flag{Name: "top-p", Usage: "nucleus threshold, 0 or 1 disables", Value: -1, Destination: &topP},
			&cli.Float64Flag{Name: "rep-penalty", Usage: "repetition penalty, 1 disables", Value: -1, Destination: &repPenalty},
			&cli.Int64Flag{Name: "seed", Usage: "sampler seed, 0 = time-based", Destination: &seed},
			&cli.StringFlag{Name: "backend", Usage: "ref or parallel", Destination: &backend},
			&cli.Int64Flag{Name: "workers", Usage: "backend worker count, 0 = NumCPU", Destination: &workers},
			&cli.StringFlag{Name: "policy", Usage: "kv cache policy: hard_stop or slide_window", Destination: &policy},
			&cli.Int64Flag{Name: "context", Usage: "kv cache capacity, 0 = model max", Destination: &ctxLen},
			&cli.StringFlag{Name: "trace-addr", Usage: "Arrow Flight collector for step traces", Destination: &traceAddr},
			&cli.BoolFlag{Name: "stream", Usage: "print tokens as they are generated", Destination: &stream},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			if modelPath != "" {
				cfg.ModelPath = modelPath
			}
			if maxTokens > 0 {
				cfg.MaxTokens = int(maxTokens)
			}
			if temp >= 0 {
				cfg.Temperature = temp
			}
			if topK >= 0 {
				cfg.TopK = int(topK)
			}
			if topP >= 0 {
				cfg.TopP = topP
			}
			if repPenalty >= 0 {
				cfg.RepPenalty = repPenalty
			}
			if seed != 0 {
				cfg.Seed = seed
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if workers > 0 {
				cfg.Workers = int(workers)
			}
			if policy != "" {
				cfg.CachePolicy = policy
			}
			if ctxLen > 0 {
				cfg.ContextLength = int(ctxLen)
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

			prompt, err := parseTokenList(tokensCSV)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}
			stop, err := parseTokenList(stopCSV)
			if err != nil && stopCSV != "" {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
			}

			return runGenerate(ctx, cfg, prompt, stop, stream)
		},
	}
}

func runGenerate(ctx context.Context, cfg config.Config, prompt, stop []int, stream bool) error {
	model, err := artifact.Open(cfg.ModelPath)
	if err != nil {
		return exitFor(err)
	}

	backend, err := tensor.New(cfg.Backend, cfg.Workers)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
	}
	eng, err := engine.New(model, backend)
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

	policy, err := kvcache.ParsePolicy(cfg.CachePolicy)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), exitUsage)
	}
	sess, err := eng.NewSession(engine.SessionConfig{
		ContextLength: cfg.ContextLength,
		CachePolicy:   policy,
		Sampling: engine.SamplerConfig{
			Temperature: cfg.Temperature,
			TopK:        cfg.TopK,
			TopP:        cfg.TopP,
			RepPenalty:  cfg.RepPenalty,
			Seed:        cfg.Seed,
		},
		Trace: trace,
	})
	if err != nil {
		return exitFor(err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var onToken func(int)
	if stream {
		onToken = func(id int) {
			fmt.Printf("%d ", id)
		}
	}

	res, err := sess.Generate(ctx, prompt, engine.GenerateParams{
		MaxTokens:  cfg.MaxTokens,
		StopTokens: stop,
	}, onToken)
	if stream {
		fmt.Println()
	}
	if err != nil {
		return exitFor(err)
	}
	if res.State == engine.StateCancelled {
		return cli.Exit("cancelled", exitCancelled)
	}

	if !stream {
		out := make([]string, len(res.Tokens))
		for i, id := range res.Tokens {
			out[i] = strconv.Itoa(id)
		}
		fmt.Println(strings.Join(out, " "))
	}
	fmt.Fprintf(os.Stderr, "state=%s reason=%s tokens=%d\n", res.State, res.FinishReason, len(res.Tokens))
	return nil
}

// exitFor maps the error taxonomy onto process exit codes.
func exitFor(err error) error {
	msg := fmt.Sprintf("error: %v", err)
	var formatErr *artifact.FormatError
	var shapeErr *artifact.ShapeError
	if errors.As(err, &formatErr) || errors.As(err, &shapeErr) {
		return cli.Exit(msg, exitMalformedModel)
	}
	var capErr *kvcache.CapacityError
	if errors.As(err, &capErr) {
		return cli.Exit(msg, exitContextExceeded)
	}
	var backendErr *tensor.BackendError
	if errors.As(err, &backendErr) {
		return cli.Exit(msg, exitBackendFailure)
	}
	return cli.Exit(msg, exitUsage)
}

func parseTokenList(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, fmt.Errorf("no tokens given")
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad token id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}
