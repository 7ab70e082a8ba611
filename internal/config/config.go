package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	JWTSecret string `yaml:"jwt_secret"`

	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`

	// empty RedisAddr disables the context mirror
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// empty RabbitURL disables result publishing
	RabbitURL         string `yaml:"rabbit_url"`
	RabbitQueue       string `yaml:"rabbit_queue"`
	WorkerConcurrency int    `yaml:"worker_concurrency"`

	// AI provider: ollama, openrouter, or none
	AIProvider        string `yaml:"ai_provider"`
	OllamaBaseURL     string `yaml:"ollama_base_url"`
	OllamaModel       string `yaml:"ollama_model"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`
	OpenRouterAPIKey  string `yaml:"openrouter_api_key"`
	OpenRouterModel   string `yaml:"openrouter_model"`
	OpenRouterSiteURL string `yaml:"openrouter_site_url"`
	OpenRouterAppName string `yaml:"openrouter_app_name"`

	Dispatch DispatchConfig `yaml:"dispatch"`
}

type DispatchConfig struct {
	Workers             int           `yaml:"workers"`
	QueueMaxSize        int           `yaml:"queue_max"`
	QueueShedBatch      int           `yaml:"shed_batch"`
	MaxSessions         int           `yaml:"max_sessions"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheMaxSize        int           `yaml:"cache_max"`
	CacheEvictBatch     int           `yaml:"cache_evict_batch"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	LatencyWindow       int           `yaml:"latency_window"`
	DepthWarn           int           `yaml:"depth_warn"`
	LatencyWarn         time.Duration `yaml:"latency_warn"`
}

func defaults() Config {
	return Config{
		HTTPAddr:  ":8080",
		JWTSecret: "dev-secret-change-me",
		DBDriver:  "mysql",
		// DSN demo：
		// app:apppass@tcp(127.0.0.1:3306)/chat_dispatch?charset=utf8mb4&parseTime=true&loc=Local
		DBDSN: fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "chat_dispatch",
		),
		RabbitQueue:       "dispatch_results",
		WorkerConcurrency: 2,

		AIProvider:        "ollama",
		OllamaBaseURL:     "http://localhost:11434",
		OllamaModel:       "llama3:latest",
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		OpenRouterModel:   "openrouter/auto",

		Dispatch: DispatchConfig{
			Workers:             dispatch.DefaultWorkers(),
			QueueMaxSize:        dispatch.DefaultQueueMaxSize,
			QueueShedBatch:      dispatch.DefaultQueueShedBatch,
			MaxSessions:         dispatch.DefaultMaxSessions,
			SessionTimeout:      dispatch.DefaultSessionTimeout,
			CacheTTL:            dispatch.DefaultCacheTTL,
			CacheMaxSize:        dispatch.DefaultCacheMaxSize,
			CacheEvictBatch:     dispatch.DefaultCacheEvictBatch,
			CollaboratorTimeout: dispatch.DefaultCollaboratorTimeout,
			ShutdownTimeout:     dispatch.DefaultShutdownTimeout,
			LatencyWindow:       dispatch.DefaultLatencyWindow,
			DepthWarn:           dispatch.DefaultDepthWarn,
			LatencyWarn:         dispatch.DefaultLatencyWarn,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// DISPATCH_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("DISPATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.DBDriver, "DB_DRIVER")
	setString(&c.DBDSN, "DB_DSN")

	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")

	setString(&c.RabbitURL, "RABBIT_URL")
	setString(&c.RabbitQueue, "RABBIT_QUEUE")
	setInt(&c.WorkerConcurrency, "WORKER_CONCURRENCY")
	if c.WorkerConcurrency > 50 {
		c.WorkerConcurrency = 50
	}

	setString(&c.AIProvider, "AI_PROVIDER")
	setString(&c.OllamaBaseURL, "OLLAMA_BASE_URL")
	setString(&c.OllamaModel, "OLLAMA_MODEL")
	setString(&c.OpenRouterBaseURL, "OPENROUTER_BASE_URL")
	setString(&c.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	setString(&c.OpenRouterModel, "OPENROUTER_MODEL")
	setString(&c.OpenRouterSiteURL, "OPENROUTER_SITE_URL")
	setString(&c.OpenRouterAppName, "OPENROUTER_APP_NAME")

	d := &c.Dispatch
	setInt(&d.Workers, "DISPATCH_WORKERS")
	setInt(&d.QueueMaxSize, "DISPATCH_QUEUE_MAX")
	setInt(&d.QueueShedBatch, "DISPATCH_SHED_BATCH")
	setInt(&d.MaxSessions, "DISPATCH_MAX_SESSIONS")
	setDuration(&d.SessionTimeout, "DISPATCH_SESSION_TIMEOUT")
	setDuration(&d.CacheTTL, "DISPATCH_CACHE_TTL")
	setInt(&d.CacheMaxSize, "DISPATCH_CACHE_MAX")
	setInt(&d.CacheEvictBatch, "DISPATCH_CACHE_EVICT_BATCH")
	setDuration(&d.CollaboratorTimeout, "DISPATCH_COLLAB_TIMEOUT")
	setDuration(&d.ShutdownTimeout, "DISPATCH_SHUTDOWN_TIMEOUT")
	setInt(&d.LatencyWindow, "DISPATCH_LATENCY_WINDOW")
	setInt(&d.DepthWarn, "DISPATCH_DEPTH_WARN")
	setDuration(&d.LatencyWarn, "DISPATCH_LATENCY_WARN")
}

// setString overrides dst when the variable is set and non-empty.
func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setInt overrides dst with a positive integer; invalid values are ignored.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// setDuration accepts Go durations ("90s") or plain seconds ("90").
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}

// EngineOptions maps the dispatch settings onto engine options.
func (c Config) EngineOptions() dispatch.Options {
	d := c.Dispatch
	return dispatch.Options{
		Workers:             d.Workers,
		QueueMaxSize:        d.QueueMaxSize,
		QueueShedBatch:      d.QueueShedBatch,
		MaxSessions:         d.MaxSessions,
		SessionTimeout:      d.SessionTimeout,
		CacheTTL:            d.CacheTTL,
		CacheMaxSize:        d.CacheMaxSize,
		CacheEvictBatch:     d.CacheEvictBatch,
		LatencyWindow:       d.LatencyWindow,
		CollaboratorTimeout: d.CollaboratorTimeout,
		ShutdownTimeout:     d.ShutdownTimeout,
		DepthWarn:           d.DepthWarn,
		LatencyWarn:         d.LatencyWarn,
	}
}
