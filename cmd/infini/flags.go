package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-infini/internal/config"
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "YAML config file; flags override its values"},
		&cli.IntFlag{Name: "segment-size", Aliases: []string{"s"}, Usage: "tokens per segment", Value: 16},
		&cli.IntFlag{Name: "embed-dim", Aliases: []string{"e"}, Usage: "embedding dimension (multiple of 3)", Value: 12},
		&cli.IntFlag{Name: "vocab-size", Usage: "rows in the embedding table", Value: 10000},
		&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: 1},
		&cli.BoolFlag{Name: "device", Aliases: []string{"gpu"}, Usage: "run on the device backend"},
		&cli.StringFlag{Name: "adapter", Usage: "device adapter (auto, software)", Value: "auto"},
		&cli.IntFlag{Name: "device-workers", Usage: "device workgroup concurrency (0 = all)"},
		&cli.Int64Flag{Name: "device-memory-limit", Usage: "device memory budget in bytes (0 = unlimited)"},
		&cli.FloatSliceFlag{Name: "gate", Usage: "raw gate init per head"},
		&cli.Int64Flag{Name: "seed", Usage: "random embedding seed", Value: 1},
		&cli.StringFlag{Name: "embeddings", Usage: "GGUF file holding token_embd.weight"},
		&cli.StringFlag{Name: "vocab", Usage: "GGUF file holding tokenizer.ggml.tokens"},
		&cli.BoolFlag{Name: "native-pdf", Usage: "read PDFs in-process instead of with pdftotext"},
		&cli.BoolFlag{Name: "check-numerics", Usage: "fail on non-finite memory", Value: true},
		&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Value: "info"},
		&cli.StringFlag{Name: "log-format", Usage: "log format (console, json)", Value: "console"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		&cli.StringFlag{Name: "dump", Usage: "write every segment output to this Arrow IPC file"},
		&cli.StringFlag{Name: "flight-addr", Usage: "DoPut the run summary to this Arrow Flight server"},
	}
}

// loadConfig reads --config (if any) and overlays every flag the user set.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("config file %s not found", path)
			}
			return cfg, err
		}
	}

	if cmd.IsSet("segment-size") {
		cfg.SegmentSize = cmd.Int("segment-size")
	}
	if cmd.IsSet("embed-dim") {
		cfg.EmbedDim = cmd.Int("embed-dim")
	}
	if cmd.IsSet("vocab-size") {
		cfg.VocabSize = cmd.Int("vocab-size")
	}
	if cmd.IsSet("heads") {
		cfg.Heads = cmd.Int("heads")
	}
	if cmd.IsSet("device") {
		cfg.UseDevice = cmd.Bool("device")
	}
	if cmd.IsSet("adapter") {
		cfg.Adapter = cmd.String("adapter")
	}
	if cmd.IsSet("device-workers") {
		cfg.DeviceWorkers = cmd.Int("device-workers")
	}
	if cmd.IsSet("device-memory-limit") {
		cfg.DeviceMemoryLimit = cmd.Int64("device-memory-limit")
	}
	if cmd.IsSet("gate") {
		cfg.Gates = cfg.Gates[:0]
		for _, g := range cmd.FloatSlice("gate") {
			cfg.Gates = append(cfg.Gates, float32(g))
		}
	}
	if cmd.IsSet("seed") {
		cfg.Seed = cmd.Int64("seed")
	}
	if cmd.IsSet("embeddings") {
		cfg.EmbeddingsPath = cmd.String("embeddings")
	}
	if cmd.IsSet("vocab") {
		cfg.VocabPath = cmd.String("vocab")
	}
	if cmd.IsSet("native-pdf") {
		cfg.NativePDF = cmd.Bool("native-pdf")
	}
	if cmd.IsSet("check-numerics") {
		cfg.CheckNumerics = cmd.Bool("check-numerics")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("metrics-addr") {
		cfg.MetricsAddr = cmd.String("metrics-addr")
	}
	if cmd.IsSet("dump") {
		cfg.DumpPath = cmd.String("dump")
	}
	if cmd.IsSet("flight-addr") {
		cfg.FlightAddr = cmd.String("flight-addr")
	}

	return cfg, cfg.Validate()
}
