package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/imageio"
	"github.com/GriffinCanCode/wlshot/internal/screen"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/trace"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

// CaptureMessage asks for one frame. With OnlyChanged the reply is
// "unchanged" when the frame looks like the previous one.
type CaptureMessage struct {
	Type        string             `json:"type"`
	Output      string             `json:"output,omitempty"`
	Region      *screencopy.Region `json:"region,omitempty"`
	Cursor      bool               `json:"cursor,omitempty"`
	OnlyChanged bool               `json:"only_changed,omitempty"`
	TraceID     string             `json:"trace_id,omitempty"`
}

type FrameMessage struct {
	Type       string    `json:"type"`
	Output     string    `json:"output"`
	Backend    string    `json:"backend"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Hash       string    `json:"hash,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	PNG        string    `json:"png"` // base64
	TraceID    string    `json:"trace_id,omitempty"`
}

type UnchangedMessage struct {
	Type   string `json:"type"`
	Output string `json:"output,omitempty"`
}

type OutputsMessage struct {
	Type    string               `json:"type"`
	Outputs []wayland.OutputInfo `json:"outputs"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, errorMessage(apperrors.New(apperrors.CodeUnavailable, "rate limit exceeded")))
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			_ = wsjson.Write(baseCtx, conn, errorMessage(apperrors.Wrap(err, apperrors.CodeInvalidArgument, "malformed message")))
			continue
		}

		switch base.Type {
		case "capture":
			var cm CaptureMessage
			if err := json.Unmarshal(msg, &cm); err != nil {
				_ = wsjson.Write(baseCtx, conn, errorMessage(apperrors.Wrap(err, apperrors.CodeInvalidArgument, "malformed capture message")))
				continue
			}
			// Continue the client's trace if it sent one
			ctx := baseCtx
			if tc, ok := trace.ExtractFromJSON(msg); ok {
				ctx = trace.WithContext(ctx, tc)
			} else {
				ctx, _ = trace.EnsureContext(ctx)
			}
			s.handleCaptureMessage(ctx, conn, cm)
		case "outputs":
			infos, err := s.capturer.Outputs()
			if err != nil {
				_ = wsjson.Write(baseCtx, conn, errorMessage(err))
				continue
			}
			_ = wsjson.Write(baseCtx, conn, OutputsMessage{Type: "outputs", Outputs: infos})
		default:
			_ = wsjson.Write(baseCtx, conn, errorMessage(apperrors.Newf(apperrors.CodeInvalidArgument, "unknown message type %q", base.Type)))
		}
	}
}

func (s *Server) handleCaptureMessage(ctx context.Context, conn *websocket.Conn, cm CaptureMessage) {
	log := trace.Logger(ctx)

	if cm.Region != nil {
		if err := cm.Region.Validate(); err != nil {
			_ = wsjson.Write(ctx, conn, errorMessage(err))
			return
		}
	}
	req := screen.Request{Output: cm.Output, Region: cm.Region, Cursor: cm.Cursor}

	captureCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	f, err := s.capture(captureCtx, req, cm.OnlyChanged)
	if err != nil {
		log.Warn("websocket capture failed", "error", err)
		_ = wsjson.Write(ctx, conn, errorMessage(err))
		return
	}
	if f == nil {
		_ = wsjson.Write(ctx, conn, UnchangedMessage{Type: "unchanged", Output: cm.Output})
		return
	}

	var buf bytes.Buffer
	if err := imageio.Encode(&buf, f.Image, imageio.Options{Format: imageio.PNG}); err != nil {
		_ = wsjson.Write(ctx, conn, errorMessage(err))
		return
	}
	tc, _ := trace.FromContext(ctx)
	b := f.Image.Bounds()
	_ = wsjson.Write(ctx, conn, FrameMessage{
		Type:       "frame",
		Output:     f.Output,
		Backend:    f.Backend,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Hash:       frameHash(f),
		CapturedAt: f.CapturedAt,
		PNG:        base64.StdEncoding.EncodeToString(buf.Bytes()),
		TraceID:    tc.TraceID,
	})
}

func errorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: "error", Code: apperrors.CodeOf(err).String(), Message: err.Error()}
}
