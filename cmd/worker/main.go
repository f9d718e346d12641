package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trigger"
	"github.com/example/ride-dispatch/internal/worker"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid worker config", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	var reg registry.Registry
	var ps presence.Store
	if cfg.RedisAddr != "" {
		rr := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword)
		defer rr.Close()
		rs := presence.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		reg, ps = rr, rs
	} else {
		log.Warn("REDIS_ADDR unset, registry and presence are in-memory")
		reg = registry.NewMemoryRegistry()
		ps = presence.NewMemoryStore()
	}

	var rides storage.RideStore
	var requests storage.RideRequestStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		rides, requests = pg, pg
	} else {
		log.Warn("PG_DSN unset, ride storage is in-memory")
		rides = storage.NewMemoryRideStore()
		requests = storage.NewMemoryRequestStore()
	}

	pub := broker.NewKafkaPublisher(cfg.KafkaBrokers)
	defer pub.Close()

	// Sockets live on the gateway; fanout from here goes over its internal
	// push endpoint.
	disp := fanout.NewDispatcher(reg, fanout.NewGatewayTransport(cfg.GatewayBaseURL, log), log)

	var push notify.Pusher = notify.Nop{}
	if cfg.PushEndpoint != "" {
		push = notify.NewClient(cfg.PushEndpoint, cfg.PushKey)
	}

	var routes eta.Client
	if cfg.OSRMEndpoint != "" {
		routes = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var auth payments.Authorizer
	if cfg.StripeAPIKey != "" {
		auth = payments.NewStripeAuthorizer(cfg.StripeAPIKey)
	}

	lc := &lifecycle.Service{
		Rides:      rides,
		Requests:   requests,
		Fanout:     disp,
		Events:     pub,
		Payments:   auth,
		Log:        log,
		HoldAmount: cfg.FareHoldMinor,
		Currency:   cfg.FareCurrency,
	}
	tr := &trigger.Trigger{
		Rides:         rides,
		Requests:      requests,
		Presence:      ps,
		Events:        pub,
		Fanout:        disp,
		Push:          push,
		ETA:           routes,
		ETACache:      eta.NewCache(time.Minute),
		MaxCandidates: cfg.MaxCandidates,
		Log:           log,
	}
	mon := &presence.Monitor{Presence: ps, Requests: requests, Rides: rides, Fanout: disp, Log: log}
	rt := &worker.Router{Trigger: tr, Lifecycle: lc, Monitor: mon, Push: push, Log: log}

	go serveMetrics(cfg.MetricsAddr, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := &lifecycle.Sweeper{
		Service:  lc,
		Rides:    rides,
		Window:   cfg.PendingRideTTL,
		Interval: cfg.SweepInterval,
		Log:      log,
	}
	go sweeper.Run(ctx)

	topics := []string{
		broker.TopicRideCreated,
		broker.TopicRideStatusChanged,
		broker.TopicDriverLocations,
		broker.TopicDriverStatus,
		broker.TopicRideRequests,
		broker.TopicPushNotifications,
	}
	log.Info("worker consuming", "topics", topics, "brokers", cfg.KafkaBrokers, "group", cfg.ConsumerGroup)

	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			consumeTopic(ctx, cfg, rt, topic, log)
		}(topic)
	}
	wg.Wait()
	log.Info("worker stopped")
}

// consumeTopic reads one topic until the context ends. Handler errors leave
// the message uncommitted so it is redelivered; read errors back off
// exponentially.
func consumeTopic(ctx context.Context, cfg config.WorkerConfig, rt *worker.Router, topic string, log *slog.Logger) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("kafka fetch error", "topic", topic, "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := rt.Handle(ctx, m.Value); err != nil {
			log.Error("handler error, message left for redelivery",
				"topic", topic, "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error("commit failed", "topic", topic, "offset", m.Offset, "error", err)
		}
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	log.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
