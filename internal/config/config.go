package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the service configuration, loaded from the environment
type Config struct {
	Addr     string `env:"ADDR" envDefault:":8088"`
	DBPath   string `env:"DB_PATH" envDefault:"duel.db"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Match  MatchConfig  `envPrefix:"MATCH_"`
	Tick   TickConfig   `envPrefix:"TICK_"`
	Limits LimitsConfig `envPrefix:"LIMIT_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
}

// MatchConfig configures match defaults
type MatchConfig struct {
	DurationBars int           `env:"BARS" envDefault:"120"`
	TickInterval time.Duration `env:"INTERVAL" envDefault:"5s"`
	StartCash    int64         `env:"START_CASH" envDefault:"100000000"` // $1,000,000 in cents
	BasePrice    int64         `env:"BASE_PRICE" envDefault:"48000"`     // $480.00 in cents
	Volatility   float64       `env:"VOLATILITY" envDefault:"0.002"`
}

// TickConfig configures the tick scheduler
type TickConfig struct {
	Workers     int           `env:"WORKERS" envDefault:"8"`
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"2s"`
}

// LimitsConfig configures admission control token buckets
type LimitsConfig struct {
	GeneralCapacity float64 `env:"GENERAL_CAPACITY" envDefault:"60"`
	GeneralPerSec   float64 `env:"GENERAL_PER_SEC" envDefault:"1"`
	CreateCapacity  float64 `env:"CREATE_CAPACITY" envDefault:"5"`
	CreatePerSec    float64 `env:"CREATE_PER_SEC" envDefault:"0.1"`
	ActionCapacity  float64 `env:"ACTION_CAPACITY" envDefault:"30"`
	ActionPerSec    float64 `env:"ACTION_PER_SEC" envDefault:"5"`
}

// RedisConfig configures the optional Redis broadcast publisher. An empty
// address disables it.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB" envDefault:"0"`
}

// Load reads configuration from the environment and an optional .env file
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
