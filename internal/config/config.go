package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"

	"storychain-server/internal/utils"
)

// Config содержит конфигурацию для StoryChain Server
type Config struct {
	// Настройки сервера
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	Env      string `envconfig:"ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" required:"true"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" required:"true"`
	DBName        string        `envconfig:"DB_NAME" required:"true"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секретное поле БЕЗ envconfig тега
	DBPassword string

	MigrationsRun  bool   `envconfig:"MIGRATIONS_RUN" default:"false"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Настройки RabbitMQ
	RabbitMQURL        string `envconfig:"RABBITMQ_URL" required:"true"`
	SlotEventsExchange string `envconfig:"SLOT_EVENTS_EXCHANGE" default:"slot_events"`

	// Настройки Redis (leader lock для sweep'а)
	RedisAddr string `envconfig:"REDIS_ADDR" required:"true"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`
	// Секретное поле БЕЗ envconfig тега
	RedisPassword string

	// Бизнес-окна резервации и генерации
	LockTTL         time.Duration `envconfig:"SLOT_LOCK_TTL" default:"60s"`
	RetryWindow     time.Duration `envconfig:"ATTEMPT_RETRY_WINDOW" default:"1h"`
	ReclaimInterval time.Duration `envconfig:"RECLAIM_INTERVAL" default:"5m"`

	// Ledger (RPC-таймаут отделен от бизнес-окон)
	ChainRPCURL          string        `envconfig:"CHAIN_RPC_URL" required:"true"`
	ChainContractAddress string        `envconfig:"CHAIN_CONTRACT_ADDRESS" required:"true"`
	ChainRPCTimeout      time.Duration `envconfig:"CHAIN_RPC_TIMEOUT" default:"15s"`

	// Сервис генерации видео
	VideoAPIBaseURL string        `envconfig:"VIDEO_API_BASE_URL" required:"true"`
	VideoAPITimeout time.Duration `envconfig:"VIDEO_API_TIMEOUT" default:"30s"`
	VideoWidth      int           `envconfig:"VIDEO_WIDTH" default:"1280"`
	VideoHeight     int           `envconfig:"VIDEO_HEIGHT" default:"720"`
	VideoDuration   int           `envconfig:"VIDEO_DURATION_SECONDS" default:"8"`
	// Секретное поле БЕЗ envconfig тега
	VideoAPIKey string

	// Prompt refiner (опционально)
	RefinerEnabled bool   `envconfig:"REFINER_ENABLED" default:"false"`
	RefinerModel   string `envconfig:"REFINER_MODEL" default:"gpt-4o-mini"`
	// Секретное поле БЕЗ envconfig тега
	OpenAIKey string

	// Хранилище артефактов
	MediaBasePath  string        `envconfig:"MEDIA_BASE_PATH" default:"/data/media"`
	MediaBaseURL   string        `envconfig:"MEDIA_BASE_URL" required:"true"`
	MediaURLTTL    time.Duration `envconfig:"MEDIA_URL_TTL" default:"15m"`
	// Секретные поля БЕЗ envconfig тега
	MediaSigningKey string
	JWTSecret       string
	InternalSecret  string
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов
func LoadConfig() (*Config, error) {
	var cfg Config
	// Загружаем НЕсекретные переменные
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации storychain-server: %w", err)
	}

	// Загружаем ОБЯЗАТЕЛЬНЫЕ секреты
	var loadErr error
	cfg.DBPassword, loadErr = utils.ReadSecret("db_password")
	if loadErr != nil {
		return nil, loadErr
	}
	cfg.JWTSecret, loadErr = utils.ReadSecret("jwt_secret")
	if loadErr != nil {
		return nil, loadErr
	}
	cfg.InternalSecret, loadErr = utils.ReadSecret("inter_service_secret")
	if loadErr != nil {
		return nil, loadErr
	}
	cfg.MediaSigningKey, loadErr = utils.ReadSecret("media_signing_key")
	if loadErr != nil {
		return nil, loadErr
	}
	cfg.VideoAPIKey, loadErr = utils.ReadSecret("video_api_key")
	if loadErr != nil {
		return nil, loadErr
	}

	// Redis и OpenAI опциональны: отсутствие секрета не фатально
	if pw, err := utils.ReadSecret("redis_password"); err == nil {
		cfg.RedisPassword = pw
	}
	if cfg.RefinerEnabled {
		cfg.OpenAIKey, loadErr = utils.ReadSecret("openai_api_key")
		if loadErr != nil {
			return nil, loadErr
		}
	}

	log.Printf("Конфигурация StoryChain Server загружена (секреты из файлов):")
	log.Printf("  Port: %s", cfg.Port)
	log.Printf("  LogLevel: %s", cfg.LogLevel)
	log.Printf("  DB DSN: postgres://%s:***@%s:%s/%s?sslmode=%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode)
	log.Printf("  Lock TTL: %v, Retry Window: %v", cfg.LockTTL, cfg.RetryWindow)
	log.Printf("  Chain RPC: %s (timeout %v)", cfg.ChainRPCURL, cfg.ChainRPCTimeout)
	log.Printf("  Video API: %s (timeout %v)", cfg.VideoAPIBaseURL, cfg.VideoAPITimeout)
	log.Printf("  Slot Events Exchange: %s", cfg.SlotEventsExchange)
	log.Println("  JWT Secret: [ЗАГРУЖЕН]")

	return &cfg, nil
}
