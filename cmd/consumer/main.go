package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver heartbeat messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or unknown-driver messages received",
	})
	livenessUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_liveness_updates_total",
		Help: "Total successful driver liveness updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, livenessUpdates, redisErrors)
}

// heartbeat is the payload drivers' apps publish. Location is optional.
type heartbeat struct {
	DriverID string   `json:"driver_id"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	// At is the client timestamp; the consumer's clock is used when absent.
	At time.Time `json:"at,omitempty"`
}

func parseHeartbeat(b []byte) (heartbeat, error) {
	var hb heartbeat
	if err := json.Unmarshal(b, &hb); err != nil {
		return hb, err
	}
	if hb.DriverID == "" {
		return hb, errors.New("driver_id is required")
	}
	if (hb.Lat == nil) != (hb.Lon == nil) {
		return hb, errors.New("lat and lon must be sent together")
	}
	return hb, nil
}

func (hb heartbeat) loc() *models.Coord {
	if hb.Lat == nil {
		return nil
	}
	return &models.Coord{Lat: *hb.Lat, Lon: *hb.Lon}
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	drivers := registry.NewRedis(rc, cfg.RedisGeoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.HeartbeatTopic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.HeartbeatTopic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)
	consume(ctx, r, drivers, cfg, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, drivers LivenessUpdater, cfg config.ConsumerConfig, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		handleMessage(ctx, m.Value, drivers, cfg, logger)
	}
}

func handleMessage(ctx context.Context, value []byte, drivers LivenessUpdater, cfg config.ConsumerConfig, logger *slog.Logger) {
	hb, err := parseHeartbeat(value)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "error", err)
		return
	}
	at := hb.At
	if at.IsZero() {
		at = time.Now()
	}
	err = touchWithRetry(ctx, drivers, hb.DriverID, hb.loc(), at, cfg.UpdateAttempts, cfg.RetryDelay)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		msgsInvalid.Inc()
		logger.Warn("heartbeat for unknown driver", "driver_id", hb.DriverID)
	case err != nil:
		redisErrors.Inc()
		logger.Error("liveness update failed", "driver_id", hb.DriverID, "error", err)
	default:
		livenessUpdates.Inc()
	}
}

// LivenessUpdater is the registry subset the consumer writes through.
type LivenessUpdater interface {
	TouchLiveness(ctx context.Context, id string, loc *models.Coord, now time.Time) (models.Driver, error)
}

// touchWithRetry refreshes last_seen (and location) with retry/backoff.
// An unknown driver is not retried.
func touchWithRetry(ctx context.Context, u LivenessUpdater, driverID string, loc *models.Coord, at time.Time, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = u.TouchLiveness(ctx, driverID, loc, at); err == nil || errors.Is(err, registry.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("touch driver %s after %d attempts: %w", driverID, attempts, err)
}
