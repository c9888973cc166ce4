package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ephemeral-auth/internal/audit"
	"ephemeral-auth/internal/client"
	"ephemeral-auth/internal/config"
	"ephemeral-auth/internal/encryption"
	"ephemeral-auth/internal/handler"
	"ephemeral-auth/internal/hashing"
	"ephemeral-auth/internal/monitor"
	"ephemeral-auth/internal/notify"
	"ephemeral-auth/internal/service"
	"ephemeral-auth/internal/store"
	"ephemeral-auth/internal/tls"
	"ephemeral-auth/internal/util"
)

// auditBacklog bounds the events waiting for Kafka and Elasticsearch.
const auditBacklog = 4096

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher      *hashing.Hasher
	memory      *store.MemoryBackend
	backend     *store.DualBackend
	monitor     *monitor.Monitor
	recorder    *audit.Recorder
	auditQueue  *audit.AsyncSink
	registry    *prometheus.Registry
	snapshotter *monitor.Snapshotter

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
	}

	if cfg.TLS.Enabled {
		m, err := tls.NewManager(cfg.TLS, cfg.IsProduction(), util.Named("tls"))
		if err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
		factory.tlsManager = m
	}

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", factory.backend.Name()),
		util.Bool("tls_enabled", cfg.TLS.Enabled),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", factory.esClient != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients connects the optional backing services. Redis being down
// is never fatal; the store serves from memory until it answers.
func (f *Factory) initializeClients(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.URL != "" {
		if c, err := client.NewRedisClient(f.config.Redis, util.Named("redis")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	} else {
		util.Warn("REDIS_URL not set - ephemeral state is local to this process")
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config.Kafka, util.Named("kafka")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config.Elasticsearch, f.config.IsDevelopment()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(ctx); err != nil {
				util.Warn("Elasticsearch health check failed", util.ErrorField(err))
			}
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config.Clickhouse, f.config.IsProduction()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers resolves the hash salt and builds the store, monitor and
// audit pipeline on top of the clients.
func (f *Factory) initializeManagers(ctx context.Context) error {
	var decrypter encryption.Decrypter
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return err
		}
		decrypter = kmsClient
	}
	salt, err := encryption.NewSaltManager(f.config, decrypter).ResolveSalt(ctx)
	if err != nil {
		return err
	}
	f.hasher = hashing.NewHasher(salt)

	f.memory = store.NewMemoryBackend(f.config.Store.LockStripes)
	var primary store.Backend
	if f.redisClient != nil {
		primary = store.NewRedisBackend(f.redisClient, f.config.Redis.OperationTimeout)
	}
	f.backend = store.NewDualBackend(primary, f.memory, util.Named("store"))

	f.monitor = monitor.New(f.backend, f.hasher, util.Named("monitor"), nil)
	f.recorder = audit.NewRecorder(f.auditSink(), util.Named("audit"))

	f.registry = prometheus.NewRegistry()
	metrics := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		monitor.NewCollector(f.monitor, f.backend.Stats),
	}
	if queue := f.auditQueue; queue != nil {
		metrics = append(metrics, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the sink queue was full",
		}, func() float64 { return float64(queue.Dropped()) }))
	}
	for _, c := range metrics {
		if err := monitor.Register(f.registry, c); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	if f.clickhouseClient != nil {
		f.snapshotter = monitor.NewSnapshotter(f.monitor, f.clickhouseClient, instanceID(), util.Named("snapshot"))
		if err := f.snapshotter.EnsureSchema(ctx); err != nil {
			util.Warn("Failed to create snapshot table", util.ErrorField(err))
		}
	}

	util.Info("Managers initialized successfully",
		util.Bool("primary_store", primary != nil),
		util.Bool("snapshots_enabled", f.snapshotter != nil),
	)
	return nil
}

// auditSink writes to the log inline and queues the network sinks behind one
// background writer.
func (f *Factory) auditSink() audit.Sink {
	sinks := audit.MultiSink{audit.NewLogSink(util.Named("audit"))}
	var remote audit.MultiSink
	if f.kafkaProducer != nil {
		remote = append(remote, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.esClient != nil {
		remote = append(remote, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if len(remote) > 0 {
		f.auditQueue = audit.NewAsyncSink(remote, auditBacklog, util.Named("audit"))
		sinks = append(sinks, f.auditQueue)
	}
	return sinks
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.backend,
			f.hasher,
			f.monitor,
			f.recorder,
			notify.NewLogSender(util.Named("notify"), f.config.IsDevelopment()),
			util.Named("otp"),
			service.WithOrgRateLimit(f.config.Security.OrgRateLimitMax, f.config.Security.OrgRateLimitWindow),
		)
	}
	return f.serviceFactory
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	otpHandler := handler.NewOTPHandler(f.ServiceFactory().OTPService(), f.monitor, util.Named("http"))
	return handler.NewRouter(otpHandler, f.backend, f.monitor, handler.RouterOptions{
		AllowedOrigins: f.config.Server.AllowedOrigins,
		RequireHTTPS:   f.config.IsProduction(),
		Gatherer:       f.registry,
		Dependencies:   f.HealthCheck,
	}, util.Get())
}

// ==============================
// Health Checks
// ==============================

// HealthCheck pings the optional sinks. The store is reported separately by
// the /health handler.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.snapshotter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.snapshotter.Flush(ctx); err != nil {
				util.Error("Failed to flush security snapshot", util.ErrorField(err))
			}
			cancel()
		}

		if f.auditQueue != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.auditQueue.Close(ctx); err != nil {
				util.Error("Failed to flush audit queue", util.ErrorField(err),
					util.Int("dropped", int(f.auditQueue.Dropped())))
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Memory() *store.MemoryBackend {
	return f.memory
}

// Snapshotter is nil when ClickHouse is not configured.
func (f *Factory) Snapshotter() *monitor.Snapshotter {
	return f.snapshotter
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
