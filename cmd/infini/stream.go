package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/23skdu/longbow-infini/internal/engine"
	"github.com/23skdu/longbow-infini/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errStreamClosed = errors.New("stream closed")

// wsMessage is the envelope of every frame in both directions.
//
// Client to server: push {text, tokens}, status, finish.
// Server to client: segment, status, result, error.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type segmentEvent struct {
	Segment int       `json:"segment"`
	Tokens  int       `json:"tokens"`
	Mean    []float32 `json:"mean"`
}

type streamStatus struct {
	RunID    string `json:"run_id"`
	State    string `json:"state"`
	Tokens   int    `json:"tokens"`
	Segments int    `json:"segments"`
}

type streamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// streamConn feeds one websocket connection into one engine, so memory
// carries across every push until the client sends finish.
type streamConn struct {
	s     *server
	conn  *websocket.Conn
	e     *engine.Engine
	send  chan []byte
	done  chan struct{}
	runID string
	start time.Time

	tokens   int
	segments int
}

func (s *server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sc := &streamConn{
		s:     s,
		conn:  conn,
		send:  make(chan []byte, 256),
		done:  make(chan struct{}),
		runID: uuid.NewString(),
		start: time.Now(),
	}
	go sc.writePump()

	e, err := s.sess.newEngine()
	if err != nil {
		sc.fail(err)
		close(sc.send)
		return
	}
	e.SetSink(sc)
	sc.e = e
	logger.Log.Debug("Stream opened", "run_id", sc.runID, "remote", conn.RemoteAddr().String())

	sc.readPump()
}

// WriteSegment forwards the per-dimension mean of each segment output.
func (sc *streamConn) WriteSegment(index int, output []float32, n int) error {
	dim := len(output) / n
	mean := make([]float32, dim)
	for i := 0; i < n; i++ {
		for j, v := range output[i*dim : (i+1)*dim] {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float32(n)
	}
	sc.tokens += n
	sc.segments++
	return sc.enqueue("segment", segmentEvent{Segment: index, Tokens: n, Mean: mean})
}

func (sc *streamConn) readPump() {
	defer func() {
		sc.e.Close()
		close(sc.send)
	}()

	sc.conn.SetReadLimit(maxMessage)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Warn("Stream read failed", "run_id", sc.runID, "error", err)
			}
			return
		}
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.sendError("invalid_request", "invalid JSON message")
			continue
		}
		if sc.handle(msg) {
			return
		}
	}
}

func (sc *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(sc.done)
		sc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle reports whether the stream is over.
func (sc *streamConn) handle(msg wsMessage) bool {
	switch msg.Type {
	case "push":
		var req attendRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			sc.sendError("invalid_request", "invalid push payload")
			return false
		}
		if err := sc.s.push(context.Background(), sc.e, req); err != nil {
			sc.fail(err)
			return true
		}
		return false
	case "status":
		sc.enqueue("status", streamStatus{
			RunID:    sc.runID,
			State:    sc.e.State().String(),
			Tokens:   sc.tokens,
			Segments: sc.segments,
		})
		return false
	case "finish":
		res, err := sc.e.Finish()
		if err != nil {
			sc.fail(err)
			return true
		}
		sc.s.finishRun(sc.runID, res.Tokens, sc.start, nil)
		sc.enqueue("result", newReport(sc.runID, sc.s.sess.cfg.Backend(), res))
		return true
	default:
		sc.sendError("unknown_type", "unknown message type: "+msg.Type)
		return false
	}
}

func (sc *streamConn) fail(err error) {
	code := sc.s.finishRun(sc.runID, sc.tokens, sc.start, err)
	name := "engine_error"
	if code == http.StatusUnprocessableEntity {
		name = "numeric_degeneracy"
	}
	sc.sendError(name, err.Error())
}

func (sc *streamConn) sendError(code, message string) {
	sc.enqueue("error", streamError{Code: code, Message: message})
}

func (sc *streamConn) enqueue(typ string, payload any) error {
	data, err := json.Marshal(outMessage{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case sc.send <- data:
		return nil
	case <-sc.done:
		return errStreamClosed
	}
}
