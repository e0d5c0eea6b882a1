package monitoring

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/strata/internal/build"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func fixed(name string, critical bool, status HealthStatus) HealthChecker {
	return NewHealthCheckFunc(name, critical, func(ctx context.Context) HealthCheck {
		return HealthCheck{Status: status}
	})
}

func TestHealthCheckFunc(t *testing.T) {
	checkFn := NewHealthCheckFunc("test_check", true, func(ctx context.Context) HealthCheck {
		return HealthCheck{Status: HealthStatusHealthy, Message: "All good"}
	})

	assert.Equal(t, "test_check", checkFn.Name())
	assert.True(t, checkFn.IsCritical())
	assert.Equal(t, "All good", checkFn.Check(context.Background()).Message)
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthChecker
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all healthy", []HealthChecker{fixed("a", true, HealthStatusHealthy), fixed("b", false, HealthStatusHealthy)}, HealthStatusHealthy},
		{"unknown ignored", []HealthChecker{fixed("a", true, HealthStatusHealthy), fixed("b", false, HealthStatusUnknown)}, HealthStatusHealthy},
		{"non-critical unhealthy", []HealthChecker{fixed("a", true, HealthStatusHealthy), fixed("b", false, HealthStatusUnhealthy)}, HealthStatusDegraded},
		{"degraded", []HealthChecker{fixed("a", true, HealthStatusDegraded)}, HealthStatusDegraded},
		{"critical unhealthy wins", []HealthChecker{fixed("a", true, HealthStatusUnhealthy), fixed("b", false, HealthStatusDegraded)}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor(nil)
			for _, c := range tt.checks {
				hm.RegisterCheck(c)
			}
			report := hm.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, len(tt.checks), report.Summary.Total)
		})
	}
}

func TestCheckFillsMetadata(t *testing.T) {
	hm := NewHealthMonitor(nil)
	hm.RegisterCheck(fixed("a", true, HealthStatusHealthy))
	hm.RegisterCheck(fixed("b", false, HealthStatusUnhealthy))
	assert.Equal(t, []string{"a", "b"}, hm.Names())

	report := hm.Check(context.Background())
	require.Len(t, report.Checks, 2)
	a := report.Checks["a"]
	assert.Equal(t, "a", a.Name)
	assert.True(t, a.Critical)
	assert.False(t, a.LastChecked.IsZero())
	assert.Equal(t, HealthSummary{Total: 2, Healthy: 1, Unhealthy: 1, Critical: 1}, report.Summary)
}

func TestCheckTimeout(t *testing.T) {
	hm := NewHealthMonitor(nil)
	hm.timeout = 20 * time.Millisecond
	hm.RegisterCheck(NewHealthCheckFunc("slow", false, func(ctx context.Context) HealthCheck {
		<-ctx.Done()
		return HealthCheck{Status: HealthStatusUnhealthy, Message: ctx.Err().Error()}
	}))

	start := time.Now()
	report := hm.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, HealthStatusDegraded, report.Status)
}

func TestDirectoryCheckers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	assert.Equal(t, HealthStatusHealthy, SourceDirChecker(dir).Check(ctx).Status)
	assert.Equal(t, HealthStatusUnhealthy, SourceDirChecker(filepath.Join(dir, "missing")).Check(ctx).Status)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Equal(t, HealthStatusUnhealthy, SourceDirChecker(file).Check(ctx).Status)

	out := filepath.Join(dir, "out", "compiled")
	assert.Equal(t, HealthStatusHealthy, OutputDirChecker(out).Check(ctx).Status)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "write check file is removed")
}

func TestCacheChecker(t *testing.T) {
	ok := CacheChecker(pingFunc(func(context.Context) error { return nil }))
	assert.False(t, ok.IsCritical())
	assert.Equal(t, HealthStatusHealthy, ok.Check(context.Background()).Status)

	down := CacheChecker(pingFunc(func(context.Context) error { return stderrors.New("connection refused") }))
	check := down.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, check.Status)
	assert.Contains(t, check.Message, "connection refused")
}

func TestCompileChecker(t *testing.T) {
	var st build.Status
	checker := CompileChecker(func() build.Status { return st })

	assert.Equal(t, HealthStatusUnknown, checker.Check(context.Background()).Status)

	st.LastResult = &build.Result{Success: true, Message: build.MsgCompleted, Compiled: 3}
	check := checker.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)
	assert.Equal(t, 3, check.Metadata["compiled"])

	st.LastResult = &build.Result{Success: false, Message: build.MsgFailed + ": boom"}
	assert.Equal(t, HealthStatusDegraded, checker.Check(context.Background()).Status)
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, HealthStatusHealthy, GoroutineChecker(1_000_000).Check(context.Background()).Status)
	assert.Equal(t, HealthStatusDegraded, GoroutineChecker(0).Check(context.Background()).Status)
}
