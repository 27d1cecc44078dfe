// Package server provides HTTP and WebSocket handlers
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/GriffinCanCode/wlshot/internal/config"
	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/imageio"
	"github.com/GriffinCanCode/wlshot/internal/resilience"
	"github.com/GriffinCanCode/wlshot/internal/screen"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/syncx"
	"github.com/GriffinCanCode/wlshot/internal/trace"
)

// Status summarizes the captures served so far.
type Status struct {
	Backend        string    `json:"backend"`
	Breaker        string    `json:"breaker"`
	Captures       uint64    `json:"captures"`
	Failures       uint64    `json:"failures"`
	LastOutput     string    `json:"last_output,omitempty"`
	LastWidth      int       `json:"last_width,omitempty"`
	LastHeight     int       `json:"last_height,omitempty"`
	LastHash       string    `json:"last_hash,omitempty"`
	LastCapturedAt time.Time `json:"last_captured_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	capturer screen.Capturer
	encoding imageio.Options
	breaker  *resilience.Breaker
	status   *syncx.RWGuard[Status]

	// captureMu serializes captures; the compositor connection is shared.
	captureMu sync.Mutex

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// New creates a new server.
func New(c screen.Capturer, cfg *config.Config) *Server {
	return &Server{
		capturer: c,
		encoding: imageio.Options{Format: cfg.Format, JPEGQuality: cfg.JPEGQuality},
		breaker:  resilience.New(resilience.CaptureConfig()),
		status:   syncx.NewGuard(Status{}),
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/outputs", s.handleOutputs)
	mux.HandleFunc("GET /api/capture", s.handleCapture)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

// Shutdown closes every open WebSocket connection.
func (s *Server) Shutdown() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Expose-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// capture takes one frame under the circuit breaker. With onlyChanged a
// perceptually unchanged frame yields nil and no error.
func (s *Server) capture(ctx context.Context, req screen.Request, onlyChanged bool) (*screen.Frame, error) {
	ctx, span := trace.StartSpan(ctx, "capture")
	defer span.End()
	span.SetAttr("output", req.Output)
	if req.Region != nil {
		span.SetAttr("region", req.Region.String())
	}

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	f, err := resilience.ExecuteWithResult(s.breaker, func() (*screen.Frame, error) {
		if onlyChanged {
			f, _, err := s.capturer.Capture(ctx, req)
			return f, err
		}
		return s.capturer.CaptureAlways(ctx, req)
	})
	if err != nil {
		span.SetAttr("error", err.Error())
	}
	s.record(f, err)
	return f, err
}

func (s *Server) record(f *screen.Frame, err error) {
	s.status.Write(func(st *Status) {
		if err != nil {
			st.Failures++
			st.LastError = err.Error()
			return
		}
		st.Captures++
		st.LastError = ""
		if f == nil {
			return
		}
		b := f.Image.Bounds()
		st.LastOutput = f.Output
		st.LastWidth, st.LastHeight = b.Dx(), b.Dy()
		st.LastHash = frameHash(f)
		st.LastCapturedAt = f.CapturedAt
	})
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	infos, err := s.capturer.Outputs()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := parseCaptureRequest(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts := s.encoding
	if f := q.Get("format"); f != "" {
		opts.Format = f
	}
	switch opts.Format {
	case imageio.PNG, imageio.JPEG, imageio.PPM:
	default:
		writeError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "unsupported format %q", opts.Format))
		return
	}

	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, RequestTimeout)
		defer cancel()
	}
	f, err := s.capture(ctx, req, false)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := imageio.Encode(&buf, f.Image, opts); err != nil {
		writeError(w, r, err)
		return
	}
	b := f.Image.Bounds()
	h := w.Header()
	h.Set("Content-Type", imageio.ContentType(opts.Format))
	h.Set(HeaderFrameWidth, strconv.Itoa(b.Dx()))
	h.Set(HeaderFrameHeight, strconv.Itoa(b.Dy()))
	h.Set(HeaderFrameOutput, f.Output)
	h.Set(HeaderFrameBackend, f.Backend)
	if hash := frameHash(f); hash != "" {
		h.Set(HeaderFrameHash, hash)
	}
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Get()
	st.Backend = s.capturer.Backend()
	st.Breaker = s.breaker.State().String()
	writeJSON(w, http.StatusOK, st)
}

// parseCaptureRequest reads output, cursor and the optional x, y, w, h
// region from the query. A region needs at least w and h.
func parseCaptureRequest(q url.Values) (screen.Request, error) {
	req := screen.Request{Output: q.Get("output")}
	if v := q.Get("cursor"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid cursor %q", v)
		}
		req.Cursor = b
	}
	if !q.Has("x") && !q.Has("y") && !q.Has("w") && !q.Has("h") {
		return req, nil
	}

	var region screencopy.Region
	fields := []struct {
		key string
		dst *int32
	}{{"x", &region.X}, {"y", &region.Y}, {"w", &region.Width}, {"h", &region.Height}}
	for _, f := range fields {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return req, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid %s %q", f.key, v)
		}
		*f.dst = int32(n)
	}
	if err := region.Validate(); err != nil {
		return req, err
	}
	req.Region = &region
	return req, nil
}

func frameHash(f *screen.Frame) string {
	if f.Hash == nil {
		return ""
	}
	return f.Hash.ToString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	log := trace.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"code":  apperrors.CodeOf(err).String(),
		"error": err.Error(),
	})
}
