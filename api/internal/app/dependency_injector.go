package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/you-humble/asrtask/api/internal/asr"
	"github.com/you-humble/asrtask/api/internal/infra/archive"
	"github.com/you-humble/asrtask/api/internal/infra/config"
	"github.com/you-humble/asrtask/api/internal/infra/health"
	"github.com/you-humble/asrtask/api/internal/infra/lock"
	"github.com/you-humble/asrtask/api/internal/infra/probe"
	"github.com/you-humble/asrtask/api/internal/infra/queue"
	"github.com/you-humble/asrtask/api/internal/infra/store/idempotency"
	taskstore "github.com/you-humble/asrtask/api/internal/infra/store/task"
	"github.com/you-humble/asrtask/api/internal/poller"
	"github.com/you-humble/asrtask/api/internal/transport"
	"github.com/you-humble/asrtask/api/internal/usecase"
	mio "github.com/you-humble/asrtask/core/libs/minio"
	natsq "github.com/you-humble/asrtask/core/libs/nats"
	rediscli "github.com/you-humble/asrtask/core/libs/redis"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// JetStream de-duplicates re-published terminal events inside this window.
const eventDedupWindow = 10 * time.Minute

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	sqlite    *taskstore.SQLiteStore
	taskStore *taskstore.HookedStore

	redis     *redis.Client
	redisDone bool

	natsConn  *nats.Conn
	js        nats.JetStreamContext
	publisher *queue.Publisher
	natsDone  bool

	archiver     *archive.Archiver
	archiverDone bool

	asrClient *asr.Client
	prober    *probe.Prober

	health *health.Server
	poller *poller.Poller

	usecase transport.Usecase
	handler transport.Handler
	router  Router
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(config.Path())
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		level, err := di.Config().SlogLevel()
		if err != nil {
			level = slog.LevelInfo
		}
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) SQLite(ctx context.Context) *taskstore.SQLiteStore {
	if di.sqlite == nil {
		dsn := di.Config().SQLite.DSN
		store, err := taskstore.NewSQLiteStore(dsn)
		if err != nil {
			log.Fatalf("TaskStore sqlite: %+v", err)
		}
		if err := store.Ping(ctx); err != nil {
			log.Fatalf("TaskStore ping: %+v", err)
		}
		di.sqlite = store
		di.Logger().Info("opened task store", slog.String("dsn", dsn))
	}
	return di.sqlite
}

// TaskStore is the sqlite store decorated with the terminal-task hooks of
// whichever optional sinks are configured.
func (di *dependencyInjector) TaskStore(ctx context.Context) *taskstore.HookedStore {
	if di.taskStore == nil {
		var hooks []taskstore.Hook
		if p := di.Publisher(ctx); p != nil {
			hooks = append(hooks, p.Hook)
		}
		if a := di.Archiver(ctx); a != nil {
			hooks = append(hooks, a.Hook)
		}
		di.taskStore = taskstore.WithHooks(di.SQLite(ctx), hooks...)
	}
	return di.taskStore
}

// RedisClient returns nil when redis.addr is not configured.
func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if !di.redisDone {
		di.redisDone = true
		cfg := di.Config().Redis
		if cfg.Addr == "" {
			di.Logger().Info("redis disabled, idempotency keys and poller lease are off")
			return nil
		}
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("Redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) Idempotency(ctx context.Context) usecase.IdempotencyStore {
	rdb := di.RedisClient(ctx)
	if rdb == nil {
		return nil
	}
	return idempotency.NewRedisStore(rdb, di.Config().Redis.IdempotencyTTL)
}

// NATSConn returns nil when nats.url is not configured.
func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if !di.natsDone {
		di.natsDone = true
		cfg := di.Config().NATS
		if cfg.URL == "" {
			di.Logger().Info("nats disabled, task events are off")
			return nil
		}
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.Name,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
		di.Logger().Info("connected to nats", slog.String("url", cfg.URL))
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		nc := di.NATSConn(ctx)
		if nc == nil {
			return nil
		}
		cfg := di.Config().NATS
		js, err := natsq.NewJetStream(nc, natsq.StreamConfig(
			cfg.Stream,
			[]string{cfg.Subject + ".>"},
			cfg.MaxAge,
			eventDedupWindow,
		))
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Publisher(ctx context.Context) *queue.Publisher {
	if di.publisher == nil {
		js := di.JetStream(ctx)
		if js == nil {
			return nil
		}
		cfg := di.Config().NATS
		di.publisher = queue.New(js, cfg.Subject, cfg.PublishTimeout)
	}
	return di.publisher
}

// Archiver returns nil when minio.endpoint is not configured.
func (di *dependencyInjector) Archiver(ctx context.Context) *archive.Archiver {
	if !di.archiverDone {
		di.archiverDone = true
		cfg := di.Config()
		if cfg.MinIO.Endpoint == "" {
			di.Logger().Info("minio disabled, transcript archive is off")
			return nil
		}

		remote, err := archive.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			BasePath:        cfg.MinIO.BasePath,
		})
		if err != nil {
			log.Fatalf("Archive minio: %+v", err)
		}

		di.archiver = archive.New(remote, cfg.Archive.QueueCapacity, cfg.Archive.PoolSize, cfg.Archive.MaxRetries)
		di.Logger().Info(
			"using MinIO transcript archive",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
			slog.Int("queue_size", cfg.Archive.QueueCapacity),
			slog.Int("worker_num", cfg.Archive.PoolSize),
			slog.Int("max_retries", cfg.Archive.MaxRetries),
		)
	}
	return di.archiver
}

func (di *dependencyInjector) ASRClient() *asr.Client {
	if di.asrClient == nil {
		cfg := di.Config().ASR
		di.asrClient = asr.NewClient(asr.Config{
			SubmitURL:  cfg.SubmitURL,
			QueryURL:   cfg.QueryURL,
			APIKey:     cfg.APIKey,
			ResourceID: cfg.ResourceID,
			UID:        cfg.UID,
			ModelName:  cfg.ModelName,
			Timeout:    cfg.Timeout,
		}, &http.Client{})
	}
	return di.asrClient
}

func (di *dependencyInjector) Prober() *probe.Prober {
	if di.prober == nil {
		di.prober = probe.New(&http.Client{}, di.Config().Probe.Timeout)
	}
	return di.prober
}

// Health returns nil when grpc_addr is not configured.
func (di *dependencyInjector) Health() *health.Server {
	if di.health == nil && di.Config().GRPCAddr != "" {
		di.health = health.New(di.Logger())
	}
	return di.health
}

// Poller returns nil when poller.enabled is false.
func (di *dependencyInjector) Poller(ctx context.Context) *poller.Poller {
	if di.poller == nil && di.Config().PollerEnabled() {
		cfg := di.Config()

		opts := []poller.Option{poller.WithLogger(di.Logger().With(slog.String("component", "poller")))}
		if rdb := di.RedisClient(ctx); rdb != nil {
			opts = append(opts, poller.WithLease(lock.NewRedisLease(rdb, cfg.Poller.LeaseKey, cfg.Poller.LeaseTTL)))
		}
		if hs := di.Health(); hs != nil {
			opts = append(opts, poller.WithStateHook(hs.SetPollerServing))
		}

		di.poller = poller.New(poller.Config{
			Interval:             cfg.Poller.Interval,
			QueryTimeout:         cfg.Poller.QueryTimeout,
			Concurrency:          cfg.Poller.Concurrency,
			MaxTransientFailures: cfg.Poller.MaxTransientFailures,
		}, di.TaskStore(ctx), di.ASRClient(), opts...)
	}
	return di.poller
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		cfg := di.Config()
		di.usecase = usecase.New(
			usecase.Config{
				SyncAttempts:    cfg.Sync.MaxAttempts,
				SyncAttemptsCap: cfg.Sync.MaxAttemptsCap,
				SyncInterval:    cfg.Sync.Interval,
			},
			di.TaskStore(ctx),
			di.Prober(),
			di.ASRClient(),
			asr.NewRetrier(di.ASRClient(), di.Logger().With(slog.String("component", "retrier"))),
			di.Idempotency(ctx),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Usecase(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}
