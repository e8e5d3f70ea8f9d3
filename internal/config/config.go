package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Workers  WorkersConfig  `yaml:"workers"`
	Teams    TeamsConfig    `yaml:"teams"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	// ProjectID empty means no log producer: events go to the row sink.
	ProjectID string `yaml:"project_id"`
}

type WorkersConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	TasksPerWorker int           `yaml:"tasks_per_worker"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
}

type TeamsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return &cfg, nil
}

// FromEnv builds a config purely from the environment, for deployments
// without a config file.
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Concurrency = n
		}
	}
	if v := os.Getenv("TASKS_PER_WORKER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.TasksPerWorker = n
		}
	}
}

// Validate checks the settings a running ingester cannot do without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	return nil
}
