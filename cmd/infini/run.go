package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-infini/internal/config"
	"github.com/23skdu/longbow-infini/internal/convert"
	"github.com/23skdu/longbow-infini/internal/export"
	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
	"github.com/23skdu/longbow-infini/internal/tokenizer"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Stream a document through the attention engine and print the average output",
		ArgsUsage: "<file.txt|file.pdf|file.docx|->",
		Flags: append(engineFlags(),
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "report format (text, json, table)", Value: "text"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			if cmd.Args().Len() > 1 {
				return fmt.Errorf("run takes one input, got %d", cmd.Args().Len())
			}
			return run(ctx, cfg, cmd.Args().First(), cmd.String("output"), cmd.Root().Writer)
		},
	}
}

func run(ctx context.Context, cfg config.Config, input, format string, out io.Writer) (err error) {
	runID := uuid.NewString()
	log := logger.Log.With("run_id", runID)
	defer func() { metrics.RecordRun(cfg.Backend(), err) }()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("Metrics serving", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	var src io.ReadCloser = io.NopCloser(os.Stdin)
	if input != "" && input != "-" {
		conv := convert.Converter{NativePDF: cfg.NativePDF}
		if src, err = conv.Open(ctx, input); err != nil {
			return err
		}
	}

	sess, err := newSession(cfg)
	if err != nil {
		src.Close()
		return err
	}
	defer sess.Close()
	e, err := sess.newEngine()
	if err != nil {
		src.Close()
		return err
	}
	defer e.Close()

	var dump *export.IPCWriter
	if cfg.DumpPath != "" {
		if dump, err = export.CreateIPCFile(cfg.DumpPath, cfg.EmbedDim); err != nil {
			src.Close()
			return err
		}
		e.SetSink(dump)
	}

	log.Info("Run started", "input", input, "backend", cfg.Backend(), "segment_size", cfg.SegmentSize, "embed_dim", cfg.EmbedDim, "heads", cfg.Heads)
	res, err := e.Run(ctx, src, sess.tok)
	// The converter's exit status is only known after the stream is drained.
	if cerr := src.Close(); err == nil {
		err = cerr
	}
	if dump != nil {
		if cerr := dump.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}
	if t, ok := sess.tok.(*tokenizer.Tokenizer); ok && t.Misses() > 0 {
		log.Warn("Words missing from vocabulary", "misses", t.Misses())
	}

	report := newReport(runID, cfg.Backend(), res)
	if cfg.FlightAddr != "" && !res.Empty {
		if err := putSummary(ctx, cfg.FlightAddr, report); err != nil {
			return err
		}
	}
	return writeReport(out, format, report)
}

func putSummary(ctx context.Context, addr string, r Report) error {
	client, err := export.NewFlightClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.PutSummary(ctx, export.Summary{
		RunID:    r.RunID,
		Backend:  r.Backend,
		Tokens:   r.Tokens,
		Segments: r.Segments,
		Average:  r.Average,
	})
	if err != nil {
		return fmt.Errorf("flight export: %w", err)
	}
	return nil
}
