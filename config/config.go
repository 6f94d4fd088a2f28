package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	Auth      AuthConfig
	Game      GameConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	CORSOrigins string
}

type DBConfig struct {
	Driver   string // postgres or sqlite
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite file
	MaxIdle  int
	MaxOpen  int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

type RabbitMQConfig struct {
	Enabled      bool
	Host         string
	Port         string
	User         string
	Password     string
	ResultsQueue string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// GameConfig holds the tunables of the room coordinator.
type GameConfig struct {
	DefaultMaxPlayers int
	MaxPlayersLimit   int
	MinPlayers        int
	TotalQuestions    int
	TimeLimit         time.Duration
	Countdown         time.Duration
	ResultDelay       time.Duration
	PollInterval      time.Duration
	ScorePerCorrect   int
	AutoStartWhenFull bool
	JoinAttempts      int
	StoreAttempts     int

	// Room janitor
	CleanupInterval time.Duration
	RoomRetention   time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "3000"),
			Env:         getEnv("APP_ENV", "development"),
			CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		DB: DBConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "quizroom"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "quizroom.db"),
			MaxIdle:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpen:  getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:      getEnvAsBool("RABBITMQ_ENABLED", false),
			Host:         getEnv("RABBITMQ_HOST", "localhost"),
			Port:         getEnv("RABBITMQ_PORT", "5672"),
			User:         getEnv("RABBITMQ_USER", "guest"),
			Password:     getEnv("RABBITMQ_PASSWORD", "guest"),
			ResultsQueue: getEnv("RABBITMQ_RESULTS_QUEUE", "quizroom.results"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvAsDuration("JWT_TTL", 720*time.Hour),
		},
		Game: DefaultGameConfig(),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvAsBool("LOG_PRETTY", true),
		},
	}

	g := &cfg.Game
	g.DefaultMaxPlayers = getEnvAsInt("GAME_DEFAULT_MAX_PLAYERS", g.DefaultMaxPlayers)
	g.MaxPlayersLimit = getEnvAsInt("GAME_MAX_PLAYERS_LIMIT", g.MaxPlayersLimit)
	g.MinPlayers = getEnvAsInt("GAME_MIN_PLAYERS", g.MinPlayers)
	g.TotalQuestions = getEnvAsInt("GAME_TOTAL_QUESTIONS", g.TotalQuestions)
	g.TimeLimit = getEnvAsDuration("GAME_TIME_LIMIT", g.TimeLimit)
	g.Countdown = getEnvAsDuration("GAME_COUNTDOWN", g.Countdown)
	g.ResultDelay = getEnvAsDuration("GAME_RESULT_DELAY", g.ResultDelay)
	g.PollInterval = getEnvAsDuration("GAME_POLL_INTERVAL", g.PollInterval)
	g.ScorePerCorrect = getEnvAsInt("GAME_SCORE_PER_CORRECT", g.ScorePerCorrect)
	g.AutoStartWhenFull = getEnvAsBool("GAME_AUTO_START_WHEN_FULL", g.AutoStartWhenFull)
	g.JoinAttempts = getEnvAsInt("GAME_JOIN_ATTEMPTS", g.JoinAttempts)
	g.StoreAttempts = getEnvAsInt("GAME_STORE_ATTEMPTS", g.StoreAttempts)
	g.CleanupInterval = getEnvAsDuration("GAME_CLEANUP_INTERVAL", g.CleanupInterval)
	g.RoomRetention = getEnvAsDuration("GAME_ROOM_RETENTION", g.RoomRetention)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultGameConfig returns the coordinator defaults used when nothing is configured.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		DefaultMaxPlayers: 2,
		MaxPlayersLimit:   10,
		MinPlayers:        2,
		TotalQuestions:    10,
		TimeLimit:         15 * time.Second,
		Countdown:         3 * time.Second,
		ResultDelay:       2 * time.Second,
		PollInterval:      3 * time.Second,
		ScorePerCorrect:   10,
		AutoStartWhenFull: true,
		JoinAttempts:      5,
		StoreAttempts:     3,
		CleanupInterval:   5 * time.Minute,
		RoomRetention:     time.Hour,
	}
}

// Validate checks critical settings
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	} else if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters long"))
	}
	if c.DB.Driver != "postgres" && c.DB.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver))
	}
	if err := c.Game.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the game tunables are usable.
func (g GameConfig) Validate() error {
	switch {
	case g.DefaultMaxPlayers < 1 || g.DefaultMaxPlayers > g.MaxPlayersLimit:
		return fmt.Errorf("default max players %d outside [1,%d]", g.DefaultMaxPlayers, g.MaxPlayersLimit)
	case g.MinPlayers < 1:
		return errors.New("min players must be positive")
	case g.TotalQuestions < 1:
		return errors.New("total questions must be positive")
	case g.TimeLimit <= 0:
		return errors.New("time limit must be positive")
	case g.Countdown < 0 || g.ResultDelay < 0:
		return errors.New("countdown and result delay must not be negative")
	case g.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case g.ScorePerCorrect <= 0:
		return errors.New("score per correct answer must be positive")
	case g.JoinAttempts < 1 || g.StoreAttempts < 1:
		return errors.New("attempt counts must be positive")
	case g.CleanupInterval < 0 || g.RoomRetention < 0:
		return errors.New("cleanup interval and room retention must not be negative")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// DSN builds the postgres connection string
func (c *DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Addr returns host:port
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// URL returns the amqp connection URL
func (c *RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.User, c.Password, c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
