package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Empty RedisAddr keeps driver presence in process memory.
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	// Empty KafkaBrokers disables ride event publishing.
	KafkaBrokers []string
	KafkaTopic   string

	// Empty PGDSN keeps rides and coupons in process memory.
	PGDSN          string
	MigrationsPath string

	BaseFare        float64
	ServiceRadiusKm float64
	MaxFanout       int
	TripDuration    time.Duration
	RequestTimeout  time.Duration

	PortBase  int
	PortRange int

	SandboxMode    string
	SandboxImage   string
	SandboxNetwork string
	SandboxAsset   string
	SandboxHost    string

	LivenessTimeout  time.Duration
	SweepInterval    time.Duration
	DriverWebhookURL string
	WebhookTimeout   time.Duration

	LogLevel      string
	RunMigrations bool
}

const (
	SandboxNone   = "none"
	SandboxDocker = "docker"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "ride-events",
		MigrationsPath:  "migrations/001_init.sql",
		BaseFare:        100,
		ServiceRadiusKm: 5,
		TripDuration:    60 * time.Second,
		PortBase:        7000,
		PortRange:       1000,
		SandboxMode:     SandboxNone,
		SandboxImage:    "nginx:alpine",
		SandboxHost:     "localhost",
		LivenessTimeout: 15 * time.Second,
		SweepInterval:   5 * time.Second,
		WebhookTimeout:  3 * time.Second,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	setFloatFromEnv(&cfg.BaseFare, "DISPATCH_BASE_FARE", &errs)
	setFloatFromEnv(&cfg.ServiceRadiusKm, "DISPATCH_SERVICE_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxFanout, "DISPATCH_MAX_FANOUT", &errs)
	setDurationFromEnv(&cfg.TripDuration, "DISPATCH_TRIP_DURATION", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "DISPATCH_REQUEST_TIMEOUT", &errs)

	setIntFromEnv(&cfg.PortBase, "PORT_BASE", &errs)
	setIntFromEnv(&cfg.PortRange, "PORT_RANGE", &errs)

	if v := os.Getenv("SANDBOX_MODE"); v != "" {
		cfg.SandboxMode = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.SandboxImage, "SANDBOX_IMAGE")
	setStringFromEnv(&cfg.SandboxNetwork, "SANDBOX_NETWORK")
	setStringFromEnv(&cfg.SandboxAsset, "SANDBOX_ASSET")
	setStringFromEnv(&cfg.SandboxHost, "SANDBOX_HOST")

	setDurationFromEnv(&cfg.LivenessTimeout, "DRIVER_LIVENESS_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DRIVER_SWEEP_INTERVAL", &errs)
	setStringFromEnv(&cfg.DriverWebhookURL, "DRIVER_WEBHOOK_URL")
	setDurationFromEnv(&cfg.WebhookTimeout, "DRIVER_WEBHOOK_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.BaseFare <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BASE_FARE must be > 0"))
	}
	if c.ServiceRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SERVICE_RADIUS_KM must be > 0"))
	}
	if c.MaxFanout < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_FANOUT must be >= 0"))
	}
	if c.TripDuration <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TRIP_DURATION must be > 0"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_REQUEST_TIMEOUT must be >= 0"))
	}
	if c.PortBase <= 0 || c.PortBase > 65535 {
		errs = append(errs, fmt.Errorf("PORT_BASE must be a valid port"))
	}
	if c.PortRange <= 0 || c.PortBase+c.PortRange-1 > 65535 {
		errs = append(errs, fmt.Errorf("PORT_RANGE must be > 0 and stay below 65536"))
	}
	if c.SandboxMode != SandboxNone && c.SandboxMode != SandboxDocker {
		errs = append(errs, fmt.Errorf("SANDBOX_MODE must be %q or %q", SandboxNone, SandboxDocker))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_SWEEP_INTERVAL must be > 0"))
	}
	return errs
}

// ConsumerConfig drives the heartbeat consumer process.
type ConsumerConfig struct {
	KafkaBrokers   []string
	HeartbeatTopic string
	GroupID        string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string

	UpdateAttempts int
	RetryDelay     time.Duration
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		HeartbeatTopic: "driver-heartbeats",
		GroupID:        "ride-dispatch-consumer",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "drivers_geo",
		MetricsAddr:    ":2112",
		LogLevel:       "info",
		UpdateAttempts: 3,
		RetryDelay:     200 * time.Millisecond,
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.HeartbeatTopic, "KAFKA_HEARTBEAT_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setIntFromEnv(&cfg.UpdateAttempts, "CONSUMER_UPDATE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_UPDATE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
