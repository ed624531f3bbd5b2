package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	kitpg "github.com/clerkhq/clerk/features/kit/postgres"
	redislease "github.com/clerkhq/clerk/features/lease/redis"
	"github.com/clerkhq/clerk/features/model/anthropic"
	"github.com/clerkhq/clerk/features/model/bedrock"
	"github.com/clerkhq/clerk/features/model/middleware"
	"github.com/clerkhq/clerk/features/model/openai"
	"github.com/clerkhq/clerk/features/postgres"
	runmongo "github.com/clerkhq/clerk/features/run/mongo"
	mongoc "github.com/clerkhq/clerk/features/run/mongo/clients/mongo"
	runpg "github.com/clerkhq/clerk/features/run/postgres"
	"github.com/clerkhq/clerk/features/storage/minio"
	eventlog "github.com/clerkhq/clerk/features/stream/mongo"
	eventlogc "github.com/clerkhq/clerk/features/stream/mongo/clients/mongo"
	pulsesink "github.com/clerkhq/clerk/features/stream/pulse"
	clientspulse "github.com/clerkhq/clerk/features/stream/pulse/clients/pulse"
	"github.com/clerkhq/clerk/features/tools/mcp"
	"github.com/clerkhq/clerk/features/tools/policy"
	"github.com/clerkhq/clerk/features/tools/web"
	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/engine"
	"github.com/clerkhq/clerk/runtime/kit/executor"
	"github.com/clerkhq/clerk/runtime/kit/extract"
	"github.com/clerkhq/clerk/runtime/kit/kitfs"
	"github.com/clerkhq/clerk/runtime/kit/model"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/run/inmem"
	"github.com/clerkhq/clerk/runtime/kit/telemetry"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

type (
	// app holds the backends shared by the commands. Fields are nil when the
	// configuration does not enable the backend.
	app struct {
		cfg *Config
		tel telemetry.Set

		db      *sql.DB
		mongo   *mongodriver.Client
		redis   *redis.Client
		limits  *rmap.Map
		objects *minio.Store
		pulse   clientspulse.Client
		events  *eventlog.Sink

		store   run.Store
		loader  kit.Loader
		kitsPG  *kitpg.Loader
		kitsFS  *kitfs.Loader
		tools   *tools.Registry
		mcp     *mcp.Manager
		pingers []health.Pinger
		closers []func(context.Context) error
	}

	redisPinger struct{ rdb *redis.Client }
)

// openStorage connects the run store, kit source, object storage and Redis
// backed services. It does not touch model providers.
func openStorage(ctx context.Context, cfg *Config, tel telemetry.Set) (_ *app, err error) {
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, tel: tel}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.needsPostgres() {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.db = db
		a.pingers = append(a.pingers, postgres.Pinger{DB: db})
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
	}
	if cfg.MinIO != nil {
		objects, err := minio.New(*cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := objects.EnsureBucket(ctx, cfg.MinIO.Region); err != nil {
			return nil, err
		}
		a.objects = objects
		a.pingers = append(a.pingers, objects)
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.pingers = append(a.pingers, redisPinger{rdb: a.redis})
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
		pc, err := clientspulse.New(clientspulse.Options{Redis: a.redis})
		if err != nil {
			return nil, err
		}
		a.pulse = pc
		a.closers = append(a.closers, pc.Close)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openKits(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case StoreMongo:
		client, err := mongodriver.Connect(options.Client().ApplyURI(a.cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		a.mongo = client
		a.closers = append(a.closers, client.Disconnect)
		store, err := runmongo.NewStoreFromMongo(mongoc.Options{Client: client, Database: a.cfg.Mongo.Database})
		if err != nil {
			return err
		}
		if err := store.Client().Ping(ctx); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		a.pingers = append(a.pingers, store.Client())
		a.store = store
		events, err := eventlog.NewSinkFromMongo(eventlogc.Options{Client: client, Database: a.cfg.Mongo.Database})
		if err != nil {
			return err
		}
		a.events = events
	case StorePostgres:
		store, err := runpg.New(a.db)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = inmem.New()
	}
	return nil
}

func (a *app) openKits() error {
	if a.cfg.Kits.Source == KitsPostgres {
		opts := []kitpg.Option{kitpg.WithLogger(a.tel.Logger)}
		if a.objects != nil {
			opts = append(opts, kitpg.WithObjects(a.objects))
		}
		l, err := kitpg.New(a.db, opts...)
		if err != nil {
			return err
		}
		a.kitsPG = l
		a.loader = l
		return nil
	}
	a.kitsFS = kitfs.New(a.cfg.Kits.Dir)
	a.loader = a.kitsFS
	return nil
}

// openTools registers the built-in web tools and the tools of the
// configured MCP servers.
func (a *app) openTools(ctx context.Context) error {
	var opts []tools.Option
	if p := policy.New(a.cfg.Tools.Policy); p != nil {
		opts = append(opts, tools.WithPolicy(p))
	}
	a.tools = tools.NewRegistry(opts...)
	if err := web.Register(a.tools, &http.Client{}, a.cfg.Tools.JinaAPIKey); err != nil {
		return err
	}
	cfg, err := mcp.LoadConfig(a.cfg.Tools.MCPConfig)
	if err != nil {
		return err
	}
	a.mcp = mcp.Start(ctx, cfg, mcp.ConnectOptions{ClientName: "clerk", ClientVersion: version}, a.tel.Logger)
	a.closers = append(a.closers, func(context.Context) error { return a.mcp.Close() })
	return a.mcp.Register(ctx, a.tools)
}

// newModel builds the configured provider client, wrapped by the token
// limiter when a budget is configured.
func (a *app) newModel(ctx context.Context) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	cfg := a.cfg
	switch cfg.Provider {
	case ProviderOpenAI:
		client, err = openai.NewFromAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.DefaultModel())
	case ProviderAnthropic:
		client, err = anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.DefaultModel())
	case ProviderBedrock:
		client, err = bedrock.NewFromCredentials(cfg.Bedrock.Region, bedrock.Credentials{
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
		}, cfg.DefaultModel())
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Provider, err)
	}
	if cfg.RateLimit.InitialTPM <= 0 {
		return client, nil
	}
	opts := middleware.LimiterOptions{
		InitialTPM: cfg.RateLimit.InitialTPM,
		MaxTPM:     cfg.RateLimit.MaxTPM,
		Logger:     a.tel.Logger,
	}
	if a.redis != nil {
		m, err := rmap.Join(ctx, "clerk-rate-limits", a.redis)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
		a.limits = m
		a.closers = append(a.closers, func(context.Context) error { m.Close(); return nil })
		opts.Map = m
		opts.Key = cfg.Provider + ":" + cfg.DefaultModel()
	}
	return middleware.NewTokenLimiter(ctx, opts).Wrap(client), nil
}

// newEngine wires the run engine on top of the opened backends.
func (a *app) newEngine(ctx context.Context, extra ...engine.Option) (*engine.Engine, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := a.newModel(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openTools(ctx); err != nil {
		return nil, err
	}
	ex := a.cfg.Execution
	execOpts := []executor.Option{executor.WithTelemetry(a.tel)}
	if ex.Temperature != nil {
		execOpts = append(execOpts, executor.WithTemperature(*ex.Temperature))
	}
	if ex.MaxTokens > 0 {
		execOpts = append(execOpts, executor.WithMaxTokens(ex.MaxTokens))
	}
	if ex.StepTimeout > 0 {
		execOpts = append(execOpts, executor.WithTimeout(ex.StepTimeout))
	}
	if ex.MaxToolRounds > 0 {
		execOpts = append(execOpts, executor.WithMaxToolRounds(ex.MaxToolRounds))
	}

	opts := []engine.Option{
		engine.WithLoader(a.loader),
		engine.WithStore(a.store),
		engine.WithExecutor(executor.New(client, execOpts...)),
		engine.WithTools(a.tools),
		engine.WithExtractor(extract.Default{}),
		engine.WithTelemetry(a.tel),
		engine.WithDefaultModel(a.cfg.DefaultModel()),
		engine.WithEvaluationTimeout(ex.EvaluationTimeout),
	}
	if ex.LeaseTTL > 0 {
		opts = append(opts, engine.WithLeaseTTL(ex.LeaseTTL))
	}
	if a.objects != nil {
		opts = append(opts, engine.WithObjects(a.objects))
	}
	if a.redis != nil {
		locker, err := redislease.New(a.redis, "clerk:")
		if err != nil {
			return nil, err
		}
		// Leases are shared across processes, so a run left running is
		// only taken over after its owner stopped refreshing.
		opts = append(opts, engine.WithLocker(locker), engine.WithRecovery(true))
	}
	if a.events != nil {
		opts = append(opts, engine.WithSink(a.events))
	}
	if a.pulse != nil {
		sink, err := pulsesink.NewSink(pulsesink.Options{Client: a.pulse})
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithSink(sink))
	}
	return engine.New(append(opts, extra...)...)
}

// Close releases the backends in reverse opening order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Check pings every backend.
func (a *app) Check(ctx context.Context) (*health.Health, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return health.NewChecker(a.pingers...).Check(ctx)
}

func (redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
