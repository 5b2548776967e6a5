package refresher

import (
	"errors"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Config holds the environment driven settings of a refresher deployment.
type Config struct {
	Family         string `env:"REFRESH_FAMILY" envDefault:"project-refresh"`             // Family is the job family submissions are deduplicated in.
	Workers        int    `env:"REFRESH_WORKERS" envDefault:"4"`                          // Workers bounds the number of concurrent fetches.
	DeliveryQueue  int    `env:"REFRESH_DELIVERY_QUEUE" envDefault:"16"`                  // DeliveryQueue is the buffer of the consumer dispatcher.
	RedisURL       string `env:"REFRESH_REDIS_URL" envDefault:"redis://localhost:6379/0"` // RedisURL in the form "redis://:password@localhost:6379/0".
	ProjectsKey    string `env:"REFRESH_PROJECTS_KEY" envDefault:"refresher:projects"`    // ProjectsKey is the redis list holding cached projects.
	BatchSize      int    `env:"REFRESH_BATCH_SIZE" envDefault:"1000"`                    // BatchSize bounds the projects read per fetch.
	RegistryPrefix string `env:"REFRESH_REGISTRY_PREFIX" envDefault:"refresher:tasks"`    // RegistryPrefix prefixes the per family task hashes.
}

// LoadConfig parses the environment into a Config.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}

// NewRedisClient creates a client for cfg.RedisURL. It does not connect, the first command does.
func NewRedisClient(cfg Config) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}
	return redis.NewClient(opts), nil
}
