package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status is the verdict of a health check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one named health check
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// OverallHealth aggregates every registered check; the worst individual
// status wins
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker is one named health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a function-backed checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// ProcessLister is the slice of the store the health check needs
type ProcessLister interface {
	ActiveProcesses(ctx context.Context) ([]string, error)
}

// StoreChecker verifies the persistence gateway answers queries
func StoreChecker(lister ProcessLister) Checker {
	return NewCheckerFunc("store", func(ctx context.Context) CheckResult {
		start := time.Now()
		result := CheckResult{Name: "store", Status: StatusHealthy, Timestamp: start}

		if _, err := lister.ActiveProcesses(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
		}
		result.Duration = time.Since(start)
		return result
	})
}

// HealthRegistry holds the registered checks
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthRegistry creates an empty registry
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]Checker)}
}

// Register adds a checker, replacing any with the same name
func (r *HealthRegistry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs every registered checker and aggregates the results
func (r *HealthRegistry) Check(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	overall := OverallHealth{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(checkers)),
	}
	for _, checker := range checkers {
		result := checker.Check(ctx)
		overall.Checks[result.Name] = result
		overall.Status = worse(overall.Status, result.Status)
	}
	return overall
}

// Handler serves the aggregated health as JSON; an unhealthy verdict maps to
// 503 so load balancers can act on it
func (r *HealthRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		health := r.Check(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
