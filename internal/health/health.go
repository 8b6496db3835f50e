// Package health отдаёт /healthz, /livez и /readyz для order-service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check: результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response представляет ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler собирает зарегистрированные проверки.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
	timeout   time.Duration
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
		timeout:   defaultCheckTimeout,
	}
}

// RegisterChecker регистрирует проверку компонента
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// runChecks выполняет проверки параллельно с общим таймаутом.
func (h *Handler) runChecks(ctx context.Context) (map[string]Check, Status) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		names = append(names, name)
		checkers[name] = checker
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checkers[name].Check(ctx)
		}()
	}
	wg.Wait()

	checks := make(map[string]Check, len(names))
	overall := StatusHealthy
	for i, name := range names {
		check := results[i]
		checks[name] = check
		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return checks, overall
}

// ServeHTTP отдаёт подробный отчёт; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks, overall := h.runChecks(r.Context())

	response := Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, если хотя бы одна проверка unhealthy. Degraded не мешает готовности.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if _, overall := h.runChecks(r.Context()); overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// CheckFunc превращает функцию в Checker: ошибка означает unhealthy.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.fn(ctx)
	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// OutboxBacklogChecker помечает сервис degraded, когда неотправленные события копятся дольше maxAge.
type OutboxBacklogChecker struct {
	repo   domain.OutboxRepository
	maxAge time.Duration
	now    func() time.Time
}

func NewOutboxBacklogChecker(repo domain.OutboxRepository, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{repo: repo, maxAge: maxAge, now: time.Now}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Name: "outbox", Status: StatusHealthy}

	stats, err := c.repo.Stats(ctx)
	switch {
	case err != nil:
		check.Status = StatusDegraded
		check.Message = err.Error()
	case stats.PendingCount > 0 && c.maxAge > 0 && c.now().Sub(stats.OldestPendingAt) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d pending events, oldest since %s", stats.PendingCount, stats.OldestPendingAt.UTC().Format(time.RFC3339))
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}
