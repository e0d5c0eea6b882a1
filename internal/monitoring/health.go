// Package monitoring runs the health checks reported on /health.
package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/logging"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Critical    bool                   `json:"critical"`
}

// HealthChecker defines the interface for health check functions
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
	Name() string
	IsCritical() bool
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc struct {
	name     string
	checkFn  func(ctx context.Context) HealthCheck
	critical bool
}

func (h *HealthCheckFunc) Check(ctx context.Context) HealthCheck {
	return h.checkFn(ctx)
}

func (h *HealthCheckFunc) Name() string {
	return h.name
}

func (h *HealthCheckFunc) IsCritical() bool {
	return h.critical
}

// NewHealthCheckFunc creates a new health check function
func NewHealthCheckFunc(
	name string,
	critical bool,
	checkFn func(ctx context.Context) HealthCheck,
) *HealthCheckFunc {
	return &HealthCheckFunc{
		name:     name,
		checkFn:  checkFn,
		critical: critical,
	}
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	checks  map[string]HealthChecker
	mutex   sync.RWMutex
	logger  logging.Logger
	timeout time.Duration
}

// HealthSummary counts check results by status.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Degraded  int `json:"degraded"`
	Unknown   int `json:"unknown"`
	Critical  int `json:"critical"`
}

// Report is the result of one round of checks.
type Report struct {
	Status  HealthStatus           `json:"status"`
	Checks  map[string]HealthCheck `json:"checks"`
	Summary HealthSummary          `json:"summary"`
}

// NewHealthMonitor creates a monitor with a 5s per-check timeout.
func NewHealthMonitor(logger logging.Logger) *HealthMonitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HealthMonitor{
		checks:  make(map[string]HealthChecker),
		logger:  logger.WithComponent("health"),
		timeout: 5 * time.Second,
	}
}

// RegisterCheck adds or replaces a check by name.
func (hm *HealthMonitor) RegisterCheck(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	hm.checks[checker.Name()] = checker
}

// Names returns the registered check names, sorted.
func (hm *HealthMonitor) Names() []string {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check concurrently and aggregates the results.
func (hm *HealthMonitor) Check(ctx context.Context) Report {
	hm.mutex.RLock()
	checks := make([]HealthChecker, 0, len(hm.checks))
	for _, checker := range hm.checks {
		checks = append(checks, checker)
	}
	hm.mutex.RUnlock()

	var wg sync.WaitGroup
	resultsChan := make(chan HealthCheck, len(checks))

	for _, checker := range checks {
		wg.Add(1)
		go func(checker HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, hm.timeout)
			defer cancel()

			start := time.Now()
			result := checker.Check(checkCtx)
			result.Name = checker.Name()
			result.Critical = checker.IsCritical()
			result.Duration = time.Since(start)
			result.LastChecked = time.Now()
			resultsChan <- result
		}(checker)
	}
	wg.Wait()
	close(resultsChan)

	results := make(map[string]HealthCheck, len(checks))
	for result := range resultsChan {
		results[result.Name] = result
		if result.Status != HealthStatusHealthy && result.Status != HealthStatusUnknown {
			hm.logger.Warn(ctx, nil, "Health check failed",
				"name", result.Name,
				"status", string(result.Status),
				"message", result.Message,
				"duration", result.Duration)
		}
	}

	return Report{
		Status:  calculateOverallStatus(results),
		Checks:  results,
		Summary: calculateSummary(results),
	}
}

func calculateSummary(checks map[string]HealthCheck) HealthSummary {
	summary := HealthSummary{Total: len(checks)}

	for _, check := range checks {
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusUnhealthy:
			summary.Unhealthy++
		case HealthStatusDegraded:
			summary.Degraded++
		default:
			summary.Unknown++
		}
		if check.Critical {
			summary.Critical++
		}
	}
	return summary
}

// calculateOverallStatus is unhealthy when a critical check is unhealthy and
// degraded when any other check is not healthy. Unknown checks are ignored.
func calculateOverallStatus(checks map[string]HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			if check.Critical {
				return HealthStatusUnhealthy
			}
			status = HealthStatusDegraded
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func result(status HealthStatus, msg string) HealthCheck {
	return HealthCheck{Status: status, Message: msg}
}

// SourceDirChecker reports whether the collection source root is readable.
func SourceDirChecker(path string) HealthChecker {
	return NewHealthCheckFunc("source_dir", true, func(ctx context.Context) HealthCheck {
		info, err := os.Stat(path)
		if err != nil {
			return result(HealthStatusUnhealthy, fmt.Sprintf("Cannot read source directory: %v", err))
		}
		if !info.IsDir() {
			return result(HealthStatusUnhealthy, "Source path is not a directory")
		}
		if _, err := os.ReadDir(path); err != nil {
			return result(HealthStatusUnhealthy, fmt.Sprintf("Cannot list source directory: %v", err))
		}
		return result(HealthStatusHealthy, "Source directory is readable")
	})
}

// OutputDirChecker reports whether artifacts can be written under path.
func OutputDirChecker(path string) HealthChecker {
	return NewHealthCheckFunc("output_dir", true, func(ctx context.Context) HealthCheck {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return result(HealthStatusUnhealthy, fmt.Sprintf("Cannot create output directory: %v", err))
		}

		tempFile := filepath.Join(path, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		if err := os.WriteFile(tempFile, []byte("health_check"), 0o644); err != nil {
			return result(HealthStatusUnhealthy, fmt.Sprintf("Cannot write to output directory: %v", err))
		}
		if err := os.Remove(tempFile); err != nil {
			return result(HealthStatusDegraded, fmt.Sprintf("Cannot remove temp file: %v", err))
		}
		return result(HealthStatusHealthy, "Output directory is writable")
	})
}

// Pinger is a dependency that answers a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheChecker pings the distributed cache tier. Reads fall back to the
// memory tier, so a failure degrades rather than fails the service.
func CacheChecker(p Pinger) HealthChecker {
	return NewHealthCheckFunc("cache", false, func(ctx context.Context) HealthCheck {
		if err := p.Ping(ctx); err != nil {
			return result(HealthStatusUnhealthy, fmt.Sprintf("Redis unreachable: %v", err))
		}
		return result(HealthStatusHealthy, "Redis reachable")
	})
}

// CompileChecker reports the outcome of the last compile pass.
func CompileChecker(status func() build.Status) HealthChecker {
	return NewHealthCheckFunc("compile", false, func(ctx context.Context) HealthCheck {
		st := status()
		last := st.LastResult
		if last == nil {
			return result(HealthStatusUnknown, "No compile pass has run")
		}

		check := result(HealthStatusHealthy, last.Message)
		check.Metadata = map[string]interface{}{
			"last_compile": st.LastCompile,
			"compiled":     last.Compiled,
			"skipped":      last.Skipped,
			"pruned":       last.Pruned,
		}
		if !last.Success {
			check.Status = HealthStatusDegraded
			check.Metadata["failures"] = len(last.Failures)
		}
		return check
	})
}

// GoroutineChecker degrades when the goroutine count exceeds limit.
func GoroutineChecker(limit int) HealthChecker {
	return NewHealthCheckFunc("goroutines", false, func(ctx context.Context) HealthCheck {
		n := runtime.NumGoroutine()
		check := result(HealthStatusHealthy, fmt.Sprintf("%d goroutines", n))
		check.Metadata = map[string]interface{}{"count": n, "limit": limit}
		if n > limit {
			check.Status = HealthStatusDegraded
		}
		return check
	})
}
