package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/auth"
	"github.com/makeasinger/studio/internal/bus"
	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/engine"
	"github.com/makeasinger/studio/internal/handler"
	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/orchestrator"
	"github.com/makeasinger/studio/internal/process"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
	ws "github.com/makeasinger/studio/internal/websocket"
	"github.com/makeasinger/studio/internal/worker"
	"github.com/makeasinger/studio/pkg/response"
)

// @title          Make-Singer Studio API
// @version        1.0
// @description    Music generation job orchestration over the ACE-Step engine.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	for _, dir := range []string{cfg.Storage.AudioDir, cfg.Storage.WorkDir, cfg.Storage.DatasetDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Song store
	songs, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open song store: %v", err)
	}
	defer songs.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Engine clients
	gradioClient := engine.NewGradioClient(&cfg.Engine)
	taskClient := engine.NewTaskClient(&cfg.Engine, cfg.Orchestrator.ProcessTimeoutDuration())
	runner := process.NewRunner(cfg.Orchestrator.ProcessTimeoutDuration(), 0)
	paths := artifact.NewPaths(cfg.Storage.AudioDir, cfg.Storage.PublicPrefix)

	deps := orchestrator.Deps{
		Runner:  runner,
		Fetcher: artifact.NewFetcher(nil),
		Prober:  artifact.NewProber(cfg.Storage.FFprobePath),
		Paths:   paths,
	}
	if gradioClient.IsConfigured() {
		deps.Remote = gradioClient
	}
	if taskClient.IsConfigured() {
		deps.Tasks = taskClient
	}

	// Job observers: live subscribers, Redis mirror, song rows, events, publishing
	mirror := service.NewJobMirror(redisClient)
	observers := []orchestrator.Observer{hub, mirror, store.NewRecorder(songs)}

	var natsClient *bus.Client
	if cfg.NATS.URL != "" {
		natsClient, err = bus.Connect(cfg.NATS.URL)
		if err != nil {
			log.Printf("Warning: NATS not available: %v", err)
		} else {
			defer natsClient.Close()
			observers = append(observers, bus.NewEvents(natsClient, cfg.NATS.SubjectPrefix))
		}
	}

	// Initialize R2 client (optional - publishing is skipped if not configured)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			observers = append(observers, worker.NewScheduler(asynqClient))
		}
	} else {
		log.Println("Info: R2 storage not configured, audio stays local")
	}

	orch := orchestrator.New(orchestrator.NewConfig(cfg), deps, orchestrator.WithObserver(observers...))
	orch.Start(ctx)

	// Token verification: Zitadel JWKS first, shared secret as fallback
	var verifiers auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			verifiers = append(verifiers, jwksVerifier)
		}
	}
	if hmacVerifier := auth.NewHMACVerifier(cfg.JWT.Secret); hmacVerifier != nil {
		verifiers = append(verifiers, hmacVerifier)
	}

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(verifiers).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize services
	generationService := service.NewGenerationService(orch, mirror)
	trainingService := service.NewTrainingService(runner, cfg.Engine.PythonPath, cfg.Engine.PreprocessPath, cfg.Storage.DatasetDir, engineEnv(&cfg.Engine))

	handlers := handler.Handlers{
		Generation: handler.NewGenerationHandler(generationService, validate),
		Songs:      handler.NewSongsHandler(songs),
		Training:   handler.NewTrainingHandler(trainingService, validate),
		Audio:      handler.NewAudioHandler(paths, taskClient),
		Auth:       handler.NewAuthHandler(verifiers),
		Jobs:       handler.NewJobsSocket(hub, generationService),
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"remote":  gradioClient.Available,
			"taskApi": taskClient.Available,
			"local": func(context.Context) bool {
				_, err := os.Stat(cfg.Engine.ScriptPath)
				return err == nil
			},
			"database": func(ctx context.Context) bool { return songs.Ping(ctx) == nil },
			"redis":    func(ctx context.Context) bool { return redisClient.Ping(ctx).Err() == nil },
			"nats":     func(context.Context) bool { return natsClient != nil && natsClient.Connected() },
			"r2":       func(context.Context) bool { return r2Client != nil },
			"auth":     func(context.Context) bool { return len(verifiers) > 0 || cfg.Gateway.Enabled },
		}),
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Register(app, handlers, handler.Guards{
		Auth:            apiAuthMiddleware,
		GenerateLimit:   rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour),
		PreprocessLimit: rateLimiter.PreprocessLimit(cfg.RateLimit.PreprocessPerHour),
	})

	// Start Asynq worker server
	var workerServer *asynq.Server
	if r2Client != nil {
		workerServer = newWorkerServer(cfg, redisOpt)
		mux := asynq.NewServeMux()
		mux.HandleFunc(worker.TaskTypePublish, worker.NewPublishWorker(r2Client, songs, paths).ProcessTask)
		go func() {
			if err := workerServer.Run(mux); err != nil {
				log.Printf("Asynq worker error: %v", err)
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	// The running job, if any, finishes before the process exits
	stop()
	orch.Close()
	hub.Close()
	if workerServer != nil {
		workerServer.Shutdown()
	}
	log.Println("Server stopped")
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			worker.QueuePublish: 1,
		},
		LogLevel: asynqLogLevel,
	})
}

// engineEnv is the environment handed to engine scripts.
func engineEnv(cfg *config.EngineConfig) []string {
	var env []string
	if cfg.EnginePath != "" {
		env = append(env, "ACESTEP_PATH="+cfg.EnginePath)
	}
	return env
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	if _, ok := err.(*fiber.Error); !ok {
		log.Printf("[HTTP] ✗ %s %s: %v", c.Method(), c.Path(), err)
	}
	return response.FromError(c, err)
}
