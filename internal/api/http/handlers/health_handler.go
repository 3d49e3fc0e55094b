package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 2 * time.Second

// Probe is one readiness dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler responds to liveness and readiness probes.
type HealthHandler struct {
	serviceName string
	version     string
	started     time.Time
	probes      []Probe
	logger      *zap.Logger
}

// NewHealthHandler returns a handler that reports ready when every probe passes.
func NewHealthHandler(serviceName, version string, logger *zap.Logger, probes ...Probe) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		serviceName: serviceName,
		version:     version,
		started:     time.Now(),
		probes:      probes,
		logger:      logger,
	}
}

// Live reports service liveness.
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "alive",
		"service":        h.serviceName,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Ready runs all probes concurrently. Probe errors are logged; the response
// only says which dependency is unavailable, since errors carry addresses.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), probeTimeout)
	defer cancel()

	results := make([]error, len(h.probes))
	var g errgroup.Group
	for i, p := range h.probes {
		i, p := i, p
		g.Go(func() error {
			results[i] = p.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	depStatus := fiber.Map{}
	ready := true
	for i, p := range h.probes {
		if err := results[i]; err != nil {
			h.logger.Warn("readiness probe failed", zap.String("dependency", p.Name), zap.Error(err))
			depStatus[p.Name] = "unavailable"
			ready = false
			continue
		}
		depStatus[p.Name] = "ok"
	}

	if ready {
		return c.JSON(fiber.Map{
			"status":       "ready",
			"dependencies": depStatus,
		})
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "DEPENDENCY_UNAVAILABLE",
			"message": "one or more dependencies unavailable",
			"details": depStatus,
		},
	})
}
