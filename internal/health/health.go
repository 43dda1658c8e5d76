// Package health serves liveness and readiness probes. Every response is
// stamped with the authoritative server time so probes double as a coarse
// clock check.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jensholdgaard/bidsync/internal/clock"
)

const checkTimeout = 5 * time.Second

// Status represents a health check result.
type Status struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks,omitempty"`
	ServerTime int64             `json:"serverTime"`
}

// Checker is a named dependency probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
}

// NewHandler creates a health handler. clk is usually the clock.Authority.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// Add registers another dependency probe.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// LivenessHandler returns HTTP 200 while the process is up.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{Status: "ok", ServerTime: h.now()})
	}
}

// ReadinessHandler returns HTTP 200 when the service is marked ready and
// every dependency probe passes. Probes run concurrently.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		checkers := append([]Checker(nil), h.checkers...)
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", ServerTime: h.now()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		results := make([]error, len(checkers))
		var wg sync.WaitGroup
		for i, c := range checkers {
			wg.Add(1)
			go func(i int, c Checker) {
				defer wg.Done()
				results[i] = c.Check(ctx)
			}(i, c)
		}
		wg.Wait()

		checks := make(map[string]string, len(checkers))
		code, status := http.StatusOK, "ready"
		for i, c := range checkers {
			if results[i] != nil {
				checks[c.Name] = results[i].Error()
				code, status = http.StatusServiceUnavailable, "not_ready"
				continue
			}
			checks[c.Name] = "ok"
		}

		writeJSON(w, code, Status{Status: status, Checks: checks, ServerTime: h.now()})
	}
}

func (h *Handler) now() int64 { return h.clock.Now().UnixMilli() }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
