package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware continues the caller's trace, or starts one, and echoes the
// identifiers on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := extractFromHeaders(r.Header)
		w.Header().Set(TraceIDHeader, tc.TraceID)
		w.Header().Set(SpanIDHeader, tc.SpanID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

func extractFromHeaders(h http.Header) Context {
	tc := Context{
		TraceID:      h.Get(TraceIDHeader),
		ParentSpanID: h.Get(SpanIDHeader),
		SpanID:       generateSpanID(),
	}
	if tc.TraceID == "" {
		tc.TraceID = generateTraceID()
	}
	return tc
}

// ExtractFromJSON continues the trace named by a WebSocket message's
// trace_id field, if any.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return Context{
		TraceID: msg.TraceID,
		SpanID:  generateSpanID(),
	}, true
}
