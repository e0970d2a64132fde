package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-infini/internal/embedding"
	"github.com/23skdu/longbow-infini/internal/logger"
)

func initEmbeddingsCmd() *cli.Command {
	return &cli.Command{
		Name:      "init-embeddings",
		Usage:     "Write a seeded random embedding table as GGUF",
		ArgsUsage: "<out.gguf>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "vocab-size", Value: 10000},
			&cli.IntFlag{Name: "embed-dim", Aliases: []string{"e"}, Value: 12},
			&cli.Int64Flag{Name: "seed", Value: 1},
			&cli.BoolFlag{Name: "f16", Usage: "store rows as float16"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			out := cmd.Args().First()
			if out == "" {
				return fmt.Errorf("init-embeddings needs an output path")
			}
			return writeEmbeddings(out, cmd.Int("vocab-size"), cmd.Int("embed-dim"), cmd.Int64("seed"), cmd.Bool("f16"))
		},
	}
}

func writeEmbeddings(path string, vocab, dim int, seed int64, half bool) error {
	table, err := embedding.NewRandom(vocab, dim, uint64(seed))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := table.WriteGGUF(f, half); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Log.Info("Embedding table written", "path", path, "vocab", vocab, "dim", dim, "f16", half)
	return nil
}
