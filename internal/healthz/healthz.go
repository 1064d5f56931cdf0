// Package healthz exposes a token-guarded health endpoint aggregating
// registered checks.
package healthz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"weft/internal/lb"
)

// ErrDegraded marks a check failure that reduces capacity without taking
// the service down. The aggregate reports degraded instead of unhealthy
// and the endpoint keeps answering 200.
var ErrDegraded = errors.New("degraded")

// Status is the aggregate or per-check health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one executed health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Result aggregates all checks.
type Result struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// Checker is a single health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	NameVal string
	CheckFn func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.NameVal }
func (c CheckerFunc) Check(ctx context.Context) error { return c.CheckFn(ctx) }

// HealthChecker runs registered checks on demand.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]Checker
	token  string
}

// New creates a checker. A non-empty token guards the HTTP endpoint
// with bearer auth.
func New(token string) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]Checker),
		token:  token,
	}
}

// Register adds a check.
func (h *HealthChecker) Register(checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[checker.Name()] = checker
}

// RunChecks executes every registered check and aggregates the result.
func (h *HealthChecker) RunChecks(ctx context.Context) Result {
	h.mu.RLock()
	checks := make([]Checker, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	result := Result{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make([]Check, 0, len(checks)),
	}
	for _, checker := range checks {
		check := runCheck(ctx, checker)
		result.Checks = append(result.Checks, check)
		if check.Status == StatusUnhealthy {
			result.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && result.Status == StatusHealthy {
			result.Status = StatusDegraded
		}
	}
	return result
}

func runCheck(ctx context.Context, checker Checker) Check {
	start := time.Now()
	check := Check{Name: checker.Name(), LastChecked: start}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := checker.Check(checkCtx)
	check.Duration = time.Since(start)
	switch {
	case err == nil:
		check.Status = StatusHealthy
	case errors.Is(err, ErrDegraded):
		check.Status = StatusDegraded
		check.Message = err.Error()
	default:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler serves the aggregate result as JSON.
func (h *HealthChecker) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if r.Header.Get("Authorization") != "Bearer "+h.token {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
		}

		result := h.RunChecks(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(result)
	})
}

// Serve runs the health endpoint until ctx is cancelled.
func (h *HealthChecker) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.HTTPHandler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// TCPCheck reports whether a TCP address accepts connections.
func TCPCheck(name, addr string) Checker {
	return CheckerFunc{
		NameVal: name,
		CheckFn: func(ctx context.Context) error {
			d := net.Dialer{Timeout: 5 * time.Second}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			conn.Close()
			return nil
		},
	}
}

// BalancerCheck watches an upstream pool: unhealthy when every target is
// failing, degraded while only part of the pool is.
func BalancerCheck(name string, b *lb.Balancer) Checker {
	return CheckerFunc{
		NameVal: name,
		CheckFn: func(ctx context.Context) error {
			targets := b.Targets()
			down := 0
			for _, t := range targets {
				if t.Failures() > 0 {
					down++
				}
			}
			switch {
			case down > 0 && down == len(targets):
				return fmt.Errorf("all %d upstream targets failing", down)
			case down > 0:
				return fmt.Errorf("%w: %d of %d upstream targets failing", ErrDegraded, down, len(targets))
			}
			return nil
		},
	}
}
