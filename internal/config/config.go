// Package config загружает конфигурацию jobswarm.
//
// Порядок: значения по умолчанию → YAML файл (JOBSWARM_CONFIG или --config)
// → переменные окружения. Перед чтением окружения подгружается .env, если он есть.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/distributor"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/heartbeat"
	"github.com/shaiso/jobswarm/internal/mq"
	"github.com/shaiso/jobswarm/internal/reaper"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/swarm"
)

// ErrInvalid — конфигурация не прошла проверку.
var ErrInvalid = errors.New("invalid config")

// Duration — time.Duration, которая в YAML пишется строкой ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML разбирает строку Go duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML пишет duration строкой.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D возвращает time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config — конфигурация всех процессов jobswarm.
type Config struct {
	Database    Database        `yaml:"database"`
	RabbitMQ    RabbitMQ        `yaml:"rabbitmq"`
	API         API             `yaml:"api"`
	Heartbeat   Heartbeat       `yaml:"heartbeat"`
	Swarm       Swarm           `yaml:"swarm"`
	Distributor Distributor     `yaml:"distributor"`
	Reaper      Reaper          `yaml:"reaper"`
	Clusters    []ClusterConfig `yaml:"clusters"`
}

// Database — подключение к Postgres.
type Database struct {
	URL string `yaml:"url"`
}

// RabbitMQ — подключение к брокеру. Пустой URL отключает события.
type RabbitMQ struct {
	URL string `yaml:"url"`
}

// API — адрес сервера и адрес, по которому к нему ходят worker nodes.
type API struct {
	Addr string `yaml:"addr"`
	URL  string `yaml:"url"`
}

// Heartbeat — окно liveness для worker nodes, distributor и swarm.
type Heartbeat struct {
	Interval Duration `yaml:"interval"`
	Buffer   float64  `yaml:"buffer"`
}

// Policy возвращает heartbeat.Policy.
func (h Heartbeat) Policy() heartbeat.Policy {
	return heartbeat.NewPolicy(h.Interval.D(), h.Buffer)
}

// Swarm — параметры swarm.
type Swarm struct {
	PollInterval       Duration `yaml:"poll_interval"`
	WedgedSyncInterval Duration `yaml:"wedged_sync_interval"`
	FailFast           bool     `yaml:"fail_fast"`
	Strict             bool     `yaml:"strict"`
}

// Distributor — параметры distributor.
type Distributor struct {
	Cluster      string   `yaml:"cluster"`
	PollInterval Duration `yaml:"poll_interval"`
	Executable   string   `yaml:"executable"`
	RaiseOnError bool     `yaml:"raise_on_error"`
	MetricsAddr  string   `yaml:"metrics_addr"`
}

// Reaper — параметры reaper.
type Reaper struct {
	Schedule      string   `yaml:"schedule"`
	LossThreshold Duration `yaml:"loss_threshold"`
	Channel       string   `yaml:"channel"`
	MetricsAddr   string   `yaml:"metrics_addr"`

	// WebhookURL — куда jobswarm-notifier отправляет уведомления.
	WebhookURL string `yaml:"webhook_url"`
}

// ClusterConfig — кластер и его плагин.
type ClusterConfig struct {
	Name        string                      `yaml:"name"`
	Type        string                      `yaml:"type"`
	Parallelism int                         `yaml:"parallelism"`
	Queues      map[string]domain.Resources `yaml:"queues"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Database: Database{URL: repo.DefaultDSN},
		API:      API{Addr: ":8080", URL: "http://localhost:8080"},
		Heartbeat: Heartbeat{
			Interval: Duration(heartbeat.DefaultInterval),
			Buffer:   heartbeat.DefaultBuffer,
		},
		Swarm: Swarm{
			PollInterval:       Duration(swarm.DefaultPollInterval),
			WedgedSyncInterval: Duration(swarm.DefaultWedgedWorkflowSyncInterval),
		},
		Distributor: Distributor{
			Cluster:      "local",
			PollInterval: Duration(distributor.DefaultPollInterval),
			Executable:   "jobswarm",
			MetricsAddr:  ":8082",
		},
		Reaper: Reaper{
			Schedule:      reaper.DefaultSchedule,
			LossThreshold: Duration(reaper.DefaultLossThreshold),
			Channel:       reaper.DefaultChannel,
			MetricsAddr:   ":8081",
		},
		Clusters: []ClusterConfig{
			{Name: "local", Type: "multiprocess", Parallelism: 4},
		},
	}
}

// Load читает конфигурацию. Пустой path — JOBSWARM_CONFIG, если задан.
func Load(path string) (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("JOBSWARM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv переопределяет значения из окружения.
func (c *Config) applyEnv() error {
	setString(&c.Database.URL, "DB_URL")
	setString(&c.RabbitMQ.URL, "AMQP_URL")
	setString(&c.API.Addr, "API_ADDR")
	setString(&c.API.URL, "JOBSWARM_API_URL")
	setString(&c.Distributor.Cluster, "DISTRIBUTOR_CLUSTER")
	setString(&c.Reaper.Schedule, "REAPER_SCHEDULE")
	setString(&c.Reaper.WebhookURL, "NOTIFIER_WEBHOOK_URL")

	durations := []struct {
		dst *Duration
		key string
	}{
		{&c.Heartbeat.Interval, "HEARTBEAT_INTERVAL"},
		{&c.Swarm.PollInterval, "SWARM_POLL_INTERVAL"},
		{&c.Distributor.PollInterval, "DISTRIBUTOR_POLL_INTERVAL"},
		{&c.Reaper.LossThreshold, "REAPER_LOSS_THRESHOLD"},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = Duration(parsed)
	}

	if v := os.Getenv("HEARTBEAT_BUFFER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: HEARTBEAT_BUFFER: %v", ErrInvalid, err)
		}
		c.Heartbeat.Buffer = f
	}
	return nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	if c.Heartbeat.Buffer <= 1 {
		return fmt.Errorf("%w: heartbeat.buffer must be > 1, got %v", ErrInvalid, c.Heartbeat.Buffer)
	}
	if c.Heartbeat.Interval <= 0 || c.Swarm.PollInterval <= 0 || c.Distributor.PollInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Clusters))
	for _, cl := range c.Clusters {
		if cl.Name == "" || cl.Type == "" {
			return fmt.Errorf("%w: cluster needs name and type", ErrInvalid)
		}
		if seen[cl.Name] {
			return fmt.Errorf("%w: duplicate cluster %q", ErrInvalid, cl.Name)
		}
		seen[cl.Name] = true
	}
	return nil
}

// Cluster возвращает кластер по имени.
func (c *Config) Cluster(name string) (ClusterConfig, bool) {
	for _, cl := range c.Clusters {
		if cl.Name == name {
			return cl, true
		}
	}
	return ClusterConfig{}, false
}

// Options возвращает cluster.Options для кластера.
func (cl ClusterConfig) Options(launch cluster.Launcher, logger *slog.Logger) cluster.Options {
	return cluster.Options{
		ClusterName: cl.Name,
		Queues:      cl.Queues,
		Parallelism: cl.Parallelism,
		Launch:      launch,
		Logger:      logger,
	}
}

// AMQPURL возвращает адрес брокера с учётом mq.URL по умолчанию.
func (c *Config) AMQPURL() string {
	if c.RabbitMQ.URL != "" {
		return c.RabbitMQ.URL
	}
	return mq.URL()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
