package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, s := range tt.statuses {
				registry.Register(fixed(string(rune('a'+i)), s))
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}

	t.Run("register replaces and unregister removes", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("broker", StatusUnhealthy))
		registry.Register(fixed("broker", StatusHealthy))
		registry.Register(fixed("manager", StatusHealthy))
		assert.Equal(t, []string{"broker", "manager"}, registry.Names())

		registry.Unregister("manager")
		assert.Equal(t, []string{"broker"}, registry.Names())
		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
	})

	t.Run("slow checks time out", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("fast", StatusHealthy))
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
	})
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		method string
		code   int
	}{
		{"healthy", StatusHealthy, http.MethodGet, http.StatusOK},
		{"degraded", StatusDegraded, http.MethodGet, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.MethodGet, http.StatusServiceUnavailable},
		{"wrong method", StatusHealthy, http.MethodPost, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.Register(fixed("broker", tt.status))

			rec := httptest.NewRecorder()
			NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(tt.method, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			if tt.method != http.MethodGet {
				return
			}

			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.status, report.Status)
			assert.Contains(t, report.Checks, "broker")
		})
	}
}
