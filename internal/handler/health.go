package handler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET /health
// @Summary      Service health
// @Description  Reachability of the remote engine, the engine task API, the local script and the stores
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		services = make(fiber.Map, len(h.checks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range h.checks {
		name, check := name, check
		g.Go(func() error {
			ok := check(gctx)
			mu.Lock()
			services[name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return c.JSON(fiber.Map{
		"status":   "ok",
		"services": services,
	})
}
