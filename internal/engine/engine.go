// Package engine drives a token stream through a Backend one segment at a
// time, carrying each head's compressive memory across segments and
// averaging the per-token outputs.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/config"
	"github.com/23skdu/longbow-infini/internal/device"
	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

var ErrFinished = errors.New("engine: stream already finished")

type State int

const (
	Streaming State = iota
	FlushingFinal
	Done
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case FlushingFinal:
		return "flushing_final"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Embedder maps token ids to rows of the embedding table.
type Embedder interface {
	Dim() int
	// Embed returns len(ids) × Dim() values, row i for ids[i] mod vocab.
	Embed(ids []uint64) ([]float32, error)
}

// Tokenizer turns one line of text into token ids.
type Tokenizer interface {
	Encode(text string) []uint64
}

// SegmentSink receives every segment output as it is produced.
type SegmentSink interface {
	WriteSegment(index int, output []float32, n int) error
}

// Result is the outcome of a finished stream. Empty is set when no token
// was processed, in which case Average is nil.
type Result struct {
	Average  []float32
	Tokens   int
	Segments int
	Empty    bool
}

type Engine struct {
	backend     Backend
	embed       Embedder
	dims        attention.Dims
	segmentSize int
	check       bool
	sink        SegmentSink
	log         *logger.Logger

	states   []attention.HeadMemoryState
	pending  []uint64
	sum      []float64
	tokens   int
	segments int
	state    State
	err      error
	last     *Pass
}

// New validates cfg and allocates one zeroed memory per head on backend.
// The engine takes ownership of backend.
func New(cfg config.Config, backend Backend, embed Embedder) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("engine_new", "config")
		return nil, err
	}
	dims, err := cfg.Dims()
	if err != nil {
		return nil, err
	}
	if embed.Dim() != dims.Model {
		metrics.RecordValidationError("engine_new", "embedding_dim")
		return nil, fmt.Errorf("%w: embedding table has %d columns, embed_dim is %d", attention.ErrInvalidConfiguration, embed.Dim(), dims.Model)
	}

	e := &Engine{
		backend:     backend,
		embed:       embed,
		dims:        dims,
		segmentSize: cfg.SegmentSize,
		check:       cfg.CheckNumerics,
		log:         logger.Log.With("backend", backend.Name()),
		pending:     make([]uint64, 0, cfg.SegmentSize),
		sum:         make([]float64, dims.Model),
	}
	for h := 0; h < dims.Heads; h++ {
		s, err := backend.NewHeadState(h, cfg.RawGate(h))
		if err != nil {
			e.releaseStates()
			return nil, fmt.Errorf("head %d state: %w", h, err)
		}
		e.states = append(e.states, s)
	}

	e.log.Info("Engine ready", "segment_size", cfg.SegmentSize, "embed_dim", dims.Model, "heads", dims.Heads, "key_dim", dims.Key)
	return e, nil
}

// SetSink routes segment outputs to s. Call before the first Push.
func (e *Engine) SetSink(s SegmentSink) { e.sink = s }

func (e *Engine) State() State { return e.state }

func (e *Engine) Dims() attention.Dims { return e.dims }

// Heads snapshots every head's memory.
func (e *Engine) Heads() ([]attention.Snapshot, error) {
	out := make([]attention.Snapshot, len(e.states))
	for i, s := range e.states {
		snap, err := s.Snapshot()
		if err != nil {
			return nil, err
		}
		out[i] = snap
	}
	return out, nil
}

// LastPass is the most recent segment's Forward result.
func (e *Engine) LastPass() *Pass { return e.last }

// Push buffers ids and runs every segment that fills up.
func (e *Engine) Push(ids ...uint64) error {
	if e.err != nil {
		return e.err
	}
	if e.state != Streaming {
		return ErrFinished
	}
	e.pending = append(e.pending, ids...)
	for len(e.pending) >= e.segmentSize {
		if err := e.process(e.pending[:e.segmentSize], false); err != nil {
			return err
		}
		e.pending = append(e.pending[:0], e.pending[e.segmentSize:]...)
	}
	return nil
}

// Finish flushes the short remainder, if any, and returns the average.
// Calling Finish again returns the same result.
func (e *Engine) Finish() (Result, error) {
	if e.err != nil {
		return Result{}, e.err
	}
	if e.state == Streaming {
		if len(e.pending) > 0 {
			e.state = FlushingFinal
			if err := e.process(e.pending, true); err != nil {
				return Result{}, err
			}
			e.pending = e.pending[:0]
		}
		e.state = Done
		e.log.Info("Stream finished", "tokens", e.tokens, "segments", e.segments)
	}
	return e.result(), nil
}

func (e *Engine) result() Result {
	if e.tokens == 0 {
		return Result{Empty: true}
	}
	avg := make([]float32, len(e.sum))
	for i, s := range e.sum {
		avg[i] = float32(s / float64(e.tokens))
	}
	return Result{Average: avg, Tokens: e.tokens, Segments: e.segments}
}

// Run reads lines from r, tokenizes them and streams the ids through the
// engine. ctx is checked between lines; a running segment always completes.
func (e *Engine) Run(ctx context.Context, r io.Reader, tok Tokenizer) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lines := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		lines++
		if err := e.Push(tok.Encode(sc.Text())...); err != nil {
			return Result{}, err
		}
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	e.log.Debug("Input drained", "lines", lines)
	return e.Finish()
}

func (e *Engine) process(ids []uint64, final bool) error {
	start := time.Now()
	n := len(ids)

	x, err := e.embed.Embed(ids)
	if err != nil {
		return e.fail(fmt.Errorf("segment %d embed: %w", e.segments, err))
	}
	pass, err := e.backend.Forward(x, n, e.states)
	if err != nil {
		return e.fail(fmt.Errorf("segment %d: %w", e.segments, err))
	}
	if e.check {
		if err := e.checkNumerics(pass); err != nil {
			return e.fail(fmt.Errorf("segment %d: %w", e.segments, err))
		}
	}

	out := pass.Output
	for i := 0; i < n; i++ {
		row := out[i*e.dims.Model : (i+1)*e.dims.Model]
		for j, v := range row {
			e.sum[j] += float64(v)
		}
	}
	if e.sink != nil {
		if err := e.sink.WriteSegment(e.segments, out, n); err != nil {
			return e.fail(fmt.Errorf("segment %d sink: %w", e.segments, err))
		}
	}

	e.tokens += n
	e.segments++
	e.last = pass

	dur := time.Since(start)
	metrics.RecordSegment(e.backend.Name(), n, final, dur)
	e.log.Debug("Segment processed", "segment", e.segments-1, "tokens", n, "final", final, "duration", dur)
	return nil
}

// checkNumerics reads the counters the backend gathered with the segment,
// so it never downloads head memory.
func (e *Engine) checkNumerics(pass *Pass) error {
	for _, h := range pass.Health {
		metrics.RecordMemoryMass(h.Head, h.Mass)
		if err := h.Check(); err != nil {
			metrics.RecordNumericalInstability(fmt.Sprintf("head%d.norm", h.Head), h.NormNaNs, h.NormInfs, h.NormNegatives)
			metrics.RecordNumericalInstability(fmt.Sprintf("head%d.memory", h.Head), h.MemoryNaNs, h.MemoryInfs, 0)
			return err
		}
	}
	if st := device.Stats(pass.Output, 0); !st.Finite() {
		metrics.RecordNumericalInstability("output", st.NaNs, st.Infs, 0)
		return fmt.Errorf("%w: output has %d NaN, %d Inf values", attention.ErrNumericDegeneracy, st.NaNs, st.Infs)
	}
	return nil
}

// fail latches err; every later call returns it.
func (e *Engine) fail(err error) error {
	e.err = err
	e.log.Error("Segment failed", "error", err)
	return err
}

// Close releases head memory and the backend.
func (e *Engine) Close() error {
	e.releaseStates()
	return e.backend.Close()
}

func (e *Engine) releaseStates() {
	for _, s := range e.states {
		if r, ok := s.(interface{ Release() }); ok {
			r.Release()
		}
	}
	e.states = nil
}
