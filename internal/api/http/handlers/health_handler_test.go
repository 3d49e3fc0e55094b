package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

func probeApp(t *testing.T, probes ...Probe) *fiber.App {
	t.Helper()
	h := NewHealthHandler("security-gateway", "test", zaptest.NewLogger(t), probes...)
	app := fiber.New()
	app.Get("/live", h.Live)
	app.Get("/ready", h.Ready)
	return app
}

func get(t *testing.T, app *fiber.App, target string) (int, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestReadyWithHealthyProbes(t *testing.T) {
	ok := func(context.Context) error { return nil }
	app := probeApp(t, Probe{Name: "postgres", Check: ok}, Probe{Name: "rate_limiter", Check: ok})

	status, body := get(t, app, "/ready")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "ready", gjson.Get(body, "status").String())
	assert.Equal(t, "ok", gjson.Get(body, "dependencies.postgres").String())
	assert.Equal(t, "ok", gjson.Get(body, "dependencies.rate_limiter").String())
}

func TestReadyHidesProbeErrors(t *testing.T) {
	app := probeApp(t,
		Probe{Name: "redis", Check: func(context.Context) error {
			return errors.New("dial tcp 10.0.0.7:6379: connect: connection refused")
		}},
		Probe{Name: "rate_limiter", Check: func(context.Context) error { return nil }},
	)

	status, body := get(t, app, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", gjson.Get(body, "error.code").String())
	assert.Equal(t, "unavailable", gjson.Get(body, "error.details.redis").String())
	assert.Equal(t, "ok", gjson.Get(body, "error.details.rate_limiter").String())
	assert.NotContains(t, body, "10.0.0.7")
}

func TestLive(t *testing.T) {
	status, body := get(t, probeApp(t), "/live")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alive", gjson.Get(body, "status").String())
	assert.Equal(t, "test", gjson.Get(body, "version").String())
	assert.True(t, gjson.Get(body, "uptime_seconds").Exists())
}
