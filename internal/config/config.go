package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// CollaboratorCallTimeout bounds one mailer or knowledge publisher call.
	CollaboratorCallTimeout = 30 * time.Second
	// CommitTimeout bounds one case commit.
	CommitTimeout = 10 * time.Second
	// commitsPerLockedOperation is the most commits an operation makes while
	// holding a case lock.
	commitsPerLockedOperation = 2
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App        AppConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Logger     LoggerConfig
	Auth       AuthConfig
	AI         AIConfig
	Mail       MailConfig
	Knowledge  KnowledgeConfig
	Lifecycle  LifecycleConfig
	Guardrails GuardrailsConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level       string
	Encoding    string
	Development bool
	OutputPaths []string
	Service     string
	Env         string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
	Required              bool
	BootstrapAdminEmail   string
	BootstrapAdminPass    string
	DefaultOperatorName   string
}

// AIConfig configures the analysis engine.
type AIConfig struct {
	APIKey                 string
	Model                  string
	AnalysisTimeoutSeconds int
}

// MailConfig configures outbound replies.
type MailConfig struct {
	From              string
	TokenFile         string
	OAuthClientID     string
	OAuthClientSecret string
	// InboundSecret, when set, must match the X-Webhook-Secret header of inbound mail.
	InboundSecret string
}

// KnowledgeConfig configures knowledge-base publishing.
type KnowledgeConfig struct {
	Brokers []string
	Topic   string
}

// LifecycleConfig tunes the case workflow.
type LifecycleConfig struct {
	LockTTLSeconds       int
	NextContactFallbackH int
	AnalysisWorkers      int
	AnalysisQueueSize    int
}

// GuardrailsConfig restricts outbound replies.
type GuardrailsConfig struct {
	InternalDomain string
	ForbiddenWords []string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "case-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 120),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
			Channel:  getEnv("REDIS_SNAPSHOT_CHANNEL", "case-snapshots"),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Encoding:    getEnv("LOG_ENCODING", "json"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
			OutputPaths: getEnvAsList("LOG_OUTPUT_PATHS"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
			Required:              getEnvAsBool("AUTH_REQUIRED", false),
			BootstrapAdminEmail:   os.Getenv("AUTH_BOOTSTRAP_ADMIN_EMAIL"),
			BootstrapAdminPass:    os.Getenv("AUTH_BOOTSTRAP_ADMIN_PASSWORD"),
			DefaultOperatorName:   getEnv("AUTH_DEFAULT_OPERATOR_NAME", "Support Team"),
		},
		AI: AIConfig{
			APIKey:                 os.Getenv("GEMINI_API_KEY"),
			Model:                  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
			AnalysisTimeoutSeconds: getEnvAsInt("AI_ANALYSIS_TIMEOUT_SECONDS", 90),
		},
		Mail: MailConfig{
			From:              getEnv("MAIL_FROM", "support@example.com"),
			TokenFile:         os.Getenv("GMAIL_TOKEN_FILE"),
			OAuthClientID:     os.Getenv("GMAIL_OAUTH_CLIENT_ID"),
			OAuthClientSecret: os.Getenv("GMAIL_OAUTH_CLIENT_SECRET"),
			InboundSecret:     os.Getenv("INBOUND_WEBHOOK_SECRET"),
		},
		Knowledge: KnowledgeConfig{
			Brokers: getEnvAsList("KB_KAFKA_BROKERS"),
			Topic:   getEnv("KB_KAFKA_TOPIC", "knowledge-articles"),
		},
		Lifecycle: LifecycleConfig{
			LockTTLSeconds:       getEnvAsInt("CASE_LOCK_TTL_SECONDS", 180),
			NextContactFallbackH: getEnvAsInt("CASE_NEXT_CONTACT_FALLBACK_HOURS", 4),
			AnalysisWorkers:      getEnvAsInt("ANALYSIS_WORKERS", 4),
			AnalysisQueueSize:    getEnvAsInt("ANALYSIS_QUEUE_SIZE", 256),
		},
		Guardrails: GuardrailsConfig{
			InternalDomain: getEnv("REPLY_INTERNAL_DOMAIN", ""),
			ForbiddenWords: getEnvAsList("REPLY_FORBIDDEN_WORDS"),
		},
	}

	cfg.Logger.Service = cfg.App.Name
	cfg.Logger.Env = cfg.App.Env

	if len(cfg.Guardrails.ForbiddenWords) == 0 {
		cfg.Guardrails.ForbiddenWords = []string{"Confidential", "password is"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations that let a case lease expire while its
// holder is still inside a collaborator call.
func (c *Config) Validate() error {
	if ttl, need := c.Lifecycle.LockTTL(), c.LockedOperationBudget(); ttl <= need {
		return fmt.Errorf("CASE_LOCK_TTL_SECONDS (%s) must exceed the longest locked operation (%s)", ttl, need)
	}
	return nil
}

// LockedOperationBudget is the longest time one case operation may hold its
// lock: an analysis or closure draft, one collaborator call and its commits.
func (c *Config) LockedOperationBudget() time.Duration {
	return c.AI.AnalysisTimeout() + CollaboratorCallTimeout + commitsPerLockedOperation*CommitTimeout
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AnalysisTimeout bounds a single AI analysis call.
func (a AIConfig) AnalysisTimeout() time.Duration {
	if a.AnalysisTimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(a.AnalysisTimeoutSeconds) * time.Second
}

// LockTTL bounds how long a case lease may be held.
func (l LifecycleConfig) LockTTL() time.Duration {
	if l.LockTTLSeconds <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(l.LockTTLSeconds) * time.Second
}

// NextContactFallback is used when the engine proposes no usable due date.
func (l LifecycleConfig) NextContactFallback() time.Duration {
	if l.NextContactFallbackH <= 0 {
		return 4 * time.Hour
	}
	return time.Duration(l.NextContactFallbackH) * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
