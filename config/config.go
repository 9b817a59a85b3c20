package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"mysql"`

	DBUser     string `envconfig:"DB_USER" default:"root"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"3306"`
	DBName     string `envconfig:"DB_NAME" default:"storefront"`

	JWTSecret string `envconfig:"JWT_SECRET"`

	RabbitMQURL     string `envconfig:"RABBITMQ_URL"`
	OrderExchange   string `envconfig:"ORDER_EXCHANGE" default:"orders_exchange"`
	OrderQueue      string `envconfig:"ORDER_QUEUE" default:"orders_queue"`
	DeadLetterQueue string `envconfig:"DEAD_LETTER_QUEUE" default:"dead_letter_queue"`
	MaxPriority     int    `envconfig:"MAX_PRIORITY" default:"10"`

	CourierCapacity int `envconfig:"COURIER_CAPACITY" default:"1"`
	ChatMaxBody     int `envconfig:"CHAT_MAX_BODY" default:"4000"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional .env file, then the environment. Secrets may be
// given as files through DB_PASSWORD_FILE and JWT_SECRET_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	cfg.DBPassword = getEnvFromFile("DB_PASSWORD_FILE", cfg.DBPassword)
	cfg.JWTSecret = getEnvFromFile("JWT_SECRET_FILE", cfg.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverMySQL, DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.CourierCapacity < 1 {
		return fmt.Errorf("COURIER_CAPACITY must be at least 1, got %d", c.CourierCapacity)
	}
	if c.ChatMaxBody < 1 {
		return fmt.Errorf("CHAT_MAX_BODY must be positive, got %d", c.ChatMaxBody)
	}
	if c.MaxPriority < 1 || c.MaxPriority > 255 {
		return fmt.Errorf("MAX_PRIORITY must be in [1,255], got %d", c.MaxPriority)
	}
	return nil
}

func getEnvFromFile(fileKey, fallback string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		if content, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return fallback
}
