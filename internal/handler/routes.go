package handler

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Handlers groups every HTTP handler the server mounts.
type Handlers struct {
	Generation *GenerationHandler
	Songs      *SongsHandler
	Training   *TrainingHandler
	Audio      *AudioHandler
	Health     *HealthHandler
	Auth       *AuthHandler
	Jobs       *JobsSocket
}

// Guards are the middleware applied to the API routes.
type Guards struct {
	Auth            fiber.Handler
	GenerateLimit   fiber.Handler
	PreprocessLimit fiber.Handler
}

// Register mounts the routes on app. Shared by the server and the e2e tests.
func Register(app *fiber.App, h Handlers, g Guards) {
	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", h.Health.Health)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	if h.Auth != nil {
		app.Get("/auth/verify", h.Auth.Verify)
	}

	app.Get("/audio/*", h.Audio.Serve)

	// API routes
	api := app.Group("/api", orNext(g.Auth))

	generate := api.Group("/generate")
	generate.Post("/", orNext(g.GenerateLimit), h.Generation.Generate)
	generate.Get("/status/:jobId", h.Generation.Status)
	generate.Delete("/:jobId", h.Generation.Cleanup)

	songs := api.Group("/songs")
	songs.Get("/", h.Songs.List)
	songs.Get("/:id", h.Songs.Get)

	training := api.Group("/training")
	training.Post("/preprocess", orNext(g.PreprocessLimit), h.Training.Preprocess)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(h.Jobs.Handle))
}

func orNext(h fiber.Handler) fiber.Handler {
	if h != nil {
		return h
	}
	return func(c *fiber.Ctx) error { return c.Next() }
}
