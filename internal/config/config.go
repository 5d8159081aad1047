package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	R2           R2Config
	Zitadel      ZitadelConfig
	Gateway      GatewayConfig
	Engine       EngineConfig
	Orchestrator OrchestratorConfig
	Storage      StorageConfig
	Database     DatabaseConfig
	NATS         NATSConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour   int
	PreprocessPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// EngineConfig describes how to reach the generation engine: the hosted
// model server, its REST task API and the local fallback script.
type EngineConfig struct {
	GradioURL      string
	Endpoint       string
	TaskAPIURL     string
	PythonPath     string
	ScriptPath     string
	PreprocessPath string
	EnginePath     string
	LoraConfig     string
	Timeout        int // seconds, HTTP calls to the engine
	PollInterval   int // seconds, task API polling
}

type OrchestratorConfig struct {
	PerJobEstimate int // seconds
	ProcessTimeout int // seconds
	JobTTL         int // minutes
	SweepInterval  int // minutes
}

type StorageConfig struct {
	AudioDir     string
	WorkDir      string
	DatasetDir   string // training datasets and tensors live below it
	PublicPrefix string
	FFprobePath  string
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// ForceLocal reports whether a LoRA adapter is configured, which pins
// generation to the spawned script that knows how to load it.
func (c EngineConfig) ForceLocal() bool {
	return strings.TrimSpace(c.LoraConfig) != ""
}

func (c OrchestratorConfig) PerJobEstimateDuration() time.Duration {
	return time.Duration(c.PerJobEstimate) * time.Second
}

func (c OrchestratorConfig) ProcessTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessTimeout) * time.Second
}

func (c OrchestratorConfig) JobTTLDuration() time.Duration {
	return time.Duration(c.JobTTL) * time.Minute
}

func (c OrchestratorConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Minute
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("DATABASE_DSN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.preprocess_per_hour", "RATELIMIT_PREPROCESS_PER_HOUR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("engine.gradio_url", "ACESTEP_GRADIO_URL")
	_ = viper.BindEnv("engine.endpoint", "ACESTEP_ENDPOINT")
	_ = viper.BindEnv("engine.task_api_url", "ACESTEP_API_URL")
	_ = viper.BindEnv("engine.python_path", "PYTHON_PATH")
	_ = viper.BindEnv("engine.script_path", "ACESTEP_SCRIPT")
	_ = viper.BindEnv("engine.preprocess_path", "ACESTEP_PREPROCESS_SCRIPT")
	_ = viper.BindEnv("engine.engine_path", "ACESTEP_PATH")
	_ = viper.BindEnv("engine.lora_config", "ACESTEP_LORA_CONFIG")
	_ = viper.BindEnv("engine.timeout", "ACESTEP_TIMEOUT")
	_ = viper.BindEnv("engine.poll_interval", "ACESTEP_POLL_INTERVAL")
	_ = viper.BindEnv("orchestrator.per_job_estimate", "GENERATION_ESTIMATE_SECONDS")
	_ = viper.BindEnv("orchestrator.process_timeout", "GENERATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("orchestrator.job_ttl", "JOB_TTL_MINUTES")
	_ = viper.BindEnv("orchestrator.sweep_interval", "JOB_SWEEP_MINUTES")
	_ = viper.BindEnv("storage.audio_dir", "AUDIO_DIR")
	_ = viper.BindEnv("storage.work_dir", "WORK_DIR")
	_ = viper.BindEnv("storage.dataset_dir", "DATASET_DIR")
	_ = viper.BindEnv("storage.public_prefix", "AUDIO_PUBLIC_PREFIX")
	_ = viper.BindEnv("storage.ffprobe_path", "FFPROBE_PATH")
	_ = viper.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("nats.url", "NATS_URL")
	_ = viper.BindEnv("nats.subject_prefix", "NATS_SUBJECT_PREFIX")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 30)
	viper.SetDefault("ratelimit.preprocess_per_hour", 5)

	// Engine defaults
	viper.SetDefault("engine.gradio_url", "http://localhost:7860")
	viper.SetDefault("engine.endpoint", "generation_wrapper")
	viper.SetDefault("engine.task_api_url", "http://localhost:8001")
	viper.SetDefault("engine.python_path", "python3")
	viper.SetDefault("engine.script_path", "scripts/simple_generate.py")
	viper.SetDefault("engine.preprocess_path", "scripts/preprocess_dataset.py")
	viper.SetDefault("engine.timeout", 900)
	viper.SetDefault("engine.poll_interval", 2)

	// Orchestrator defaults
	viper.SetDefault("orchestrator.per_job_estimate", 180)
	viper.SetDefault("orchestrator.process_timeout", 600)
	viper.SetDefault("orchestrator.job_ttl", 60)
	viper.SetDefault("orchestrator.sweep_interval", 10)

	// Storage defaults
	viper.SetDefault("storage.audio_dir", "./data/audio")
	viper.SetDefault("storage.work_dir", "./data/work")
	viper.SetDefault("storage.dataset_dir", "./data/datasets")
	viper.SetDefault("storage.public_prefix", "/audio")
	viper.SetDefault("storage.ffprobe_path", "ffprobe")

	// Database defaults
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "file:./data/studio.db?_pragma=busy_timeout(5000)")

	// NATS defaults (empty URL disables the event bus)
	viper.SetDefault("nats.subject_prefix", "generation.jobs")

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour:   viper.GetInt("ratelimit.generate_per_hour"),
			PreprocessPerHour: viper.GetInt("ratelimit.preprocess_per_hour"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Engine: EngineConfig{
			GradioURL:      viper.GetString("engine.gradio_url"),
			Endpoint:       viper.GetString("engine.endpoint"),
			TaskAPIURL:     viper.GetString("engine.task_api_url"),
			PythonPath:     viper.GetString("engine.python_path"),
			ScriptPath:     viper.GetString("engine.script_path"),
			PreprocessPath: viper.GetString("engine.preprocess_path"),
			EnginePath:     viper.GetString("engine.engine_path"),
			LoraConfig:     viper.GetString("engine.lora_config"),
			Timeout:        viper.GetInt("engine.timeout"),
			PollInterval:   viper.GetInt("engine.poll_interval"),
		},
		Orchestrator: OrchestratorConfig{
			PerJobEstimate: viper.GetInt("orchestrator.per_job_estimate"),
			ProcessTimeout: viper.GetInt("orchestrator.process_timeout"),
			JobTTL:         viper.GetInt("orchestrator.job_ttl"),
			SweepInterval:  viper.GetInt("orchestrator.sweep_interval"),
		},
		Storage: StorageConfig{
			AudioDir:     viper.GetString("storage.audio_dir"),
			WorkDir:      viper.GetString("storage.work_dir"),
			DatasetDir:   viper.GetString("storage.dataset_dir"),
			PublicPrefix: viper.GetString("storage.public_prefix"),
			FFprobePath:  viper.GetString("storage.ffprobe_path"),
		},
		Database: DatabaseConfig{
			Driver: viper.GetString("database.driver"),
			DSN:    viper.GetString("database.dsn"),
		},
		NATS: NATSConfig{
			URL:           viper.GetString("nats.url"),
			SubjectPrefix: viper.GetString("nats.subject_prefix"),
		},
	}

	return cfg, nil
}
