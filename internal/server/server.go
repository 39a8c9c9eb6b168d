// Package server exposes every build step over HTTP so an external
// orchestrator can drive a build. Each request runs one step synchronously
// and reports its outcome: 200 for done, 503 for retry, 500 for fatal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/leonunix/kbsync/internal/index"
	"github.com/leonunix/kbsync/internal/ingest"
	"github.com/leonunix/kbsync/internal/lock"
	"github.com/leonunix/kbsync/internal/shared"
	"github.com/leonunix/kbsync/internal/status"
	"github.com/leonunix/kbsync/internal/step"
)

// Locker acquires and releases named locks.
type Locker interface {
	Acquire(ctx context.Context, name, owner string) (lock.Token, error)
	Release(ctx context.Context, name string, token lock.Token) error
}

// Bootstrapper collects the tenants of a build.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, requested []shared.TenantRequest) (shared.BootstrapResult, error)
}

// Coordinator plans shared and dedicated data sources.
type Coordinator interface {
	Coordinate(ctx context.Context, queued []shared.QueuedTenant, sharedKBs []shared.SharedKnowledgeBase) (shared.Plan, error)
	FinalizeDedicated(ctx context.Context, tenant shared.QueuedTenant, inherited []index.DataSourceRef) ([]shared.DataSourcePlan, error)
}

// Ingester plans and dispatches one data source.
type Ingester interface {
	Ingest(ctx context.Context, ref index.DataSourceRef, diffs []ingest.TenantFilesDiff) (ingest.Token, error)
}

// Poller checks a dispatch for completion.
type Poller interface {
	Poll(ctx context.Context, token ingest.Token) (step.Outcome, error)
}

// Propagator writes sync statuses.
type Propagator interface {
	Propagate(ctx context.Context, u status.Update) ([]status.SyncStatus, error)
}

// Steps bundles the step implementations the server dispatches to.
type Steps struct {
	Locker       Locker
	Bootstrapper Bootstrapper
	Coordinator  Coordinator
	Ingester     Ingester
	Poller       Poller
	Propagator   Propagator
}

// Server is the HTTP handler for build steps.
type Server struct {
	steps  Steps
	routes map[string]stepFunc
}

// stepFunc decodes its request from body and returns the step result.
type stepFunc func(ctx context.Context, body []byte) (any, error)

// New creates a Server.
func New(steps Steps) *Server {
	s := &Server{steps: steps}
	s.routes = map[string]stepFunc{
		"bootstrap":          s.bootstrap,
		"lock/acquire":       s.acquire,
		"lock/release":       s.release,
		"shared/finalize":    s.finalizeShared,
		"dedicated/finalize": s.finalizeDedicated,
		"ingest":             s.ingest,
		"check":              s.check,
		"status":             s.propagate,
	}
	return s
}

// Response is the body of every step response.
type Response struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// ServeHTTP handles incoming HTTP requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" || r.URL.Path == "/_health" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "kbsync"})
		return
	}

	name, ok := parseStep(r.URL.Path)
	fn := s.routes[name]
	if !ok || fn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown step"})
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	result, err := fn(r.Context(), body)
	var badReq *badRequestError
	if errors.As(err, &badReq) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": badReq.Error()})
		return
	}

	out := step.Classify(err)
	if outcome, isOutcome := result.(step.Outcome); isOutcome && err == nil {
		out, result = outcome, nil
	}

	slog.Debug("step handled", "step", name, "outcome", out.String())
	if out.IsFatal() {
		slog.Error("step failed", "step", name, "reason", out.Reason)
	}
	writeJSON(w, statusCode(out), Response{Outcome: out.Kind.String(), Reason: out.Reason, Result: result})
}

func statusCode(o step.Outcome) int {
	switch o.Kind {
	case step.KindDone:
		return http.StatusOK
	case step.KindRetry:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseStep returns the step name of a /steps/<name> path.
func parseStep(path string) (string, bool) {
	p := strings.TrimSuffix(path, "/")
	name, ok := strings.CutPrefix(p, "/steps/")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &badRequestError{err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
