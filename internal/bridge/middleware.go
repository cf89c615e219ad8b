package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nidhogg/alara-bridge/internal/profile"
	"github.com/nidhogg/alara-bridge/internal/veridian"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// startedAtLayouts are the accepted textual forms of session_started_at.
// Layouts without a zone are read as UTC.
var startedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

type ctxKey struct{}

// WithEnrichment returns a copy of ctx carrying e.
func WithEnrichment(ctx context.Context, e *Enrichment) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// EnrichmentFrom returns the enrichment attached by the middleware, if any.
func EnrichmentFrom(ctx context.Context) (*Enrichment, bool) {
	e, ok := ctx.Value(ctxKey{}).(*Enrichment)
	return e, ok && e != nil
}

// ContextFrom returns the assembled context attached by the middleware.
func ContextFrom(ctx context.Context) (*veridian.Context, bool) {
	e, ok := EnrichmentFrom(ctx)
	if !ok {
		return nil, false
	}
	return &e.Context, true
}

// CommitFrom returns the deferred reinforcement commit. Without an
// enrichment it returns a no-op.
func CommitFrom(ctx context.Context) CommitFunc {
	e, ok := EnrichmentFrom(ctx)
	if !ok || e.Commit == nil {
		return func() {}
	}
	return e.Commit
}

// Middleware enriches JSON interaction requests. Missing identifiers end the
// request with 400 and unknown users with 404. Any other failure is logged
// and the request continues to next without enrichment.
func (b *Bridge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := readRequest(r)
		if err != nil {
			b.logger.Warn("unreadable interaction body, passing request through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		e, err := b.safeEnrich(r.Context(), req)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(WithEnrichment(r.Context(), e)))
		case errors.Is(err, ErrMissingIdentifiers):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, profile.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user profile not found"})
		default:
			b.logger.Error("enrichment failed, passing request through",
				zap.String("user", req.UserID),
				zap.String("session", req.SessionID),
				zap.Error(err))
			next.ServeHTTP(w, r)
		}
	})
}

func (b *Bridge) safeEnrich(ctx context.Context, req Request) (e *Enrichment, err error) {
	defer func() {
		if p := recover(); p != nil {
			e, err = nil, &EnrichmentError{Stage: StagePanic, Err: fmt.Errorf("%v", p)}
		}
	}()
	return b.Enrich(ctx, req)
}

// interaction is the wire form of a request body. The optional session
// fields are kept raw and coerced one by one.
type interaction struct {
	UserID                 json.RawMessage `json:"user_id"`
	SessionID              json.RawMessage `json:"session_id"`
	LocalHour              json.RawMessage `json:"local_hour"`
	SessionStartedAt       json.RawMessage `json:"session_started_at"`
	SessionDurationMinutes json.RawMessage `json:"session_duration_minutes"`
}

// readRequest reads the whole body, restores it for the next handler and
// extracts the interaction fields. A body that is not a JSON object yields
// an empty Request. Optional fields that cannot be used are left unset so
// session defaults apply. Only a failed read is reported as an error.
func readRequest(r *http.Request) (Request, error) {
	var req Request
	if r.Body == nil {
		return req, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}

	var in interaction
	if err := json.Unmarshal(body, &in); err != nil {
		return req, nil
	}
	req.UserID = rawString(in.UserID)
	req.SessionID = rawString(in.SessionID)
	if h, ok := rawNumber(in.LocalHour); ok && h >= 0 && h < 24 {
		hour := int(h)
		req.LocalHour = &hour
	}
	if t, ok := rawTime(in.SessionStartedAt); ok {
		req.SessionStartedAt = &t
	}
	if m, ok := rawNumber(in.SessionDurationMinutes); ok && m >= 0 {
		req.SessionDurationMinutes = &m
	}
	return req, nil
}

func rawValue(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// rawString accepts strings and numbers.
func rawString(raw json.RawMessage) string {
	v, ok := rawValue(raw)
	if !ok {
		return ""
	}
	switch v.(type) {
	case string, float64:
		return strings.TrimSpace(cast.ToString(v))
	}
	return ""
}

// rawNumber accepts numbers and numeric strings.
func rawNumber(raw json.RawMessage) (float64, bool) {
	v, ok := rawValue(raw)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case string:
		v = strings.TrimSpace(x)
	case float64:
	default:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// rawTime accepts the layouts in startedAtLayouts and epoch milliseconds,
// given as a number or a numeric string.
func rawTime(raw json.RawMessage) (time.Time, bool) {
	if ms, ok := rawNumber(raw); ok {
		if ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	v, ok := rawValue(raw)
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range startedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
