package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/engine"
	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
	"github.com/23skdu/longbow-infini/internal/monitoring"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the attention engine over HTTP",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			gin.SetMode(gin.ReleaseMode)

			sess, err := newSession(cfg)
			if err != nil {
				return err
			}
			if err := sess.shareDevice(); err != nil {
				return err
			}
			defer sess.Close()

			hm := monitoring.NewHealthMonitor(Version)
			srv := &http.Server{
				Addr:              addr,
				Handler:           newRouter(sess, hm),
				ReadHeaderTimeout: readTimeout,
			}
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			logger.Log.Info("Starting server", "address", addr, "backend", cfg.Backend())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

type attendRequest struct {
	// Text is tokenized line by line; Tokens are appended after it.
	Text   string   `json:"text"`
	Tokens []uint64 `json:"tokens"`
}

type server struct {
	sess  *session
	hm    *monitoring.HealthMonitor
	tokMu sync.Mutex
}

func newRouter(sess *session, hm *monitoring.HealthMonitor) *gin.Engine {
	s := &server{sess: sess, hm: hm}
	info := monitoring.EngineInfo{
		Backend:     sess.cfg.Backend(),
		SegmentSize: sess.cfg.SegmentSize,
		EmbedDim:    sess.dims.Model,
		VocabSize:   sess.cfg.VocabSize,
		NumHeads:    sess.dims.Heads,
		KeyDim:      sess.dims.Key,
	}
	if sess.dev != nil {
		info.Adapter = sess.dev.Adapter().Name
	}
	hm.SetEngine(info)

	r := gin.New()
	r.Use(gin.Recovery())
	hm.Register(r)
	r.POST("/v1/attend", s.handleAttend)
	r.GET("/v1/stream", s.handleStream)
	return r
}

// Encode serializes access to the session tokenizer, which may count
// vocabulary misses.
func (s *server) Encode(text string) []uint64 {
	s.tokMu.Lock()
	defer s.tokMu.Unlock()
	return s.sess.tok.Encode(text)
}

func (s *server) handleAttend(c *gin.Context) {
	var req attendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	runID := uuid.NewString()
	report, err := s.attend(c.Request.Context(), runID, req)
	if code := s.finishRun(runID, report.Tokens, start, err); err != nil {
		c.JSON(code, gin.H{"error": err.Error(), "run_id": runID})
		return
	}
	c.JSON(http.StatusOK, report)
}

// finishRun records the outcome of one request and maps err to an HTTP
// status code.
func (s *server) finishRun(runID string, tokens int, start time.Time, err error) int {
	s.hm.RecordRun(tokens, time.Since(start), err)
	metrics.RecordRun(s.sess.cfg.Backend(), err)
	if s.sess.dev != nil {
		s.hm.RecordDeviceMemory(s.sess.dev.AllocatedBytes())
	}
	if err == nil {
		return http.StatusOK
	}

	logger.Log.Error("Attend failed", "run_id", runID, "error", err)
	if errors.Is(err, attention.ErrNumericDegeneracy) {
		s.hm.RecordNumericFault(err)
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *server) attend(ctx context.Context, runID string, req attendRequest) (Report, error) {
	e, err := s.sess.newEngine()
	if err != nil {
		return Report{}, err
	}
	defer e.Close()

	if err := s.push(ctx, e, req); err != nil {
		return Report{}, err
	}
	res, err := e.Finish()
	if err != nil {
		return Report{}, err
	}
	return newReport(runID, s.sess.cfg.Backend(), res), nil
}

// push feeds the text lines of req, then its raw tokens, into e.
func (s *server) push(ctx context.Context, e *engine.Engine, req attendRequest) error {
	if req.Text != "" {
		for _, line := range strings.Split(req.Text, "\n") {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.Push(s.Encode(line)...); err != nil {
				return err
			}
		}
	}
	return e.Push(req.Tokens...)
}

var _ engine.Tokenizer = (*server)(nil)
