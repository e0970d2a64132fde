package main

import (
	"fmt"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/config"
	"github.com/23skdu/longbow-infini/internal/device"
	"github.com/23skdu/longbow-infini/internal/embedding"
	"github.com/23skdu/longbow-infini/internal/engine"
	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/tokenizer"
)

// session holds what every engine of a process shares: the embedding
// table, the tokenizer and, for serve, one device context.
type session struct {
	cfg   config.Config
	dims  attention.Dims
	table *embedding.Table
	tok   engine.Tokenizer
	dev   *device.Context
}

func newSession(cfg config.Config) (*session, error) {
	s := &session{cfg: cfg}

	if cfg.EmbeddingsPath != "" {
		t, err := embedding.LoadGGUF(cfg.EmbeddingsPath)
		if err != nil {
			return nil, fmt.Errorf("load embeddings: %w", err)
		}
		if t.Vocab() != cfg.VocabSize {
			logger.Log.Warn("Embedding table overrides vocab_size", "configured", cfg.VocabSize, "table", t.Vocab())
			s.cfg.VocabSize = t.Vocab()
		}
		s.table = t
	} else {
		t, err := embedding.NewRandom(cfg.VocabSize, cfg.EmbedDim, uint64(cfg.Seed))
		if err != nil {
			return nil, err
		}
		s.table = t
	}

	if cfg.VocabPath != "" {
		tok, err := tokenizer.New(cfg.VocabPath)
		if err != nil {
			return nil, fmt.Errorf("load vocabulary: %w", err)
		}
		s.tok = tok
	} else {
		s.tok = tokenizer.Hashing{}
	}

	dims, err := s.cfg.Dims()
	if err != nil {
		return nil, err
	}
	s.dims = dims
	return s, nil
}

// shareDevice opens one device context that every engine of the session
// runs on.
func (s *session) shareDevice() error {
	if !s.cfg.UseDevice || s.dev != nil {
		return nil
	}
	ctx, err := device.NewContext(device.Options{
		Adapter:     s.cfg.GetAdapter(),
		Workers:     s.cfg.DeviceWorkers,
		MemoryLimit: s.cfg.DeviceMemoryLimit,
		Label:       "infini-serve",
	})
	if err != nil {
		return err
	}
	s.dev = ctx
	return nil
}

func (s *session) newEngine() (*engine.Engine, error) {
	opts := engine.BackendOptions{Dims: s.dims}
	var (
		b   engine.Backend
		err error
	)
	if s.dev != nil {
		b = engine.NewDeviceBackend(s.dev, opts)
	} else if b, err = engine.NewBackend(s.cfg, opts); err != nil {
		return nil, err
	}
	e, err := engine.New(s.cfg, b, s.table)
	if err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}

func (s *session) Close() error {
	if s.dev != nil {
		return s.dev.Close()
	}
	return nil
}
