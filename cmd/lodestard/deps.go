package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	"github.com/lodestar-ai/lodestar/config"
	"github.com/lodestar-ai/lodestar/controlplane"
	brokerpulse "github.com/lodestar-ai/lodestar/features/broker/pulse"
	clientspulse "github.com/lodestar-ai/lodestar/features/broker/pulse/clients/pulse"
	"github.com/lodestar-ai/lodestar/features/model/anthropic"
	"github.com/lodestar-ai/lodestar/features/model/bedrock"
	"github.com/lodestar-ai/lodestar/features/model/middleware"
	"github.com/lodestar-ai/lodestar/features/model/openai"
	regredis "github.com/lodestar-ai/lodestar/features/registry/redis"
	runlogredis "github.com/lodestar-ai/lodestar/features/runlog/redis"
	"github.com/lodestar-ai/lodestar/features/sandbox/docker"
	"github.com/lodestar-ai/lodestar/features/store/postgres"
	taskmongo "github.com/lodestar-ai/lodestar/features/taskstore/mongo"
	clientsmongo "github.com/lodestar-ai/lodestar/features/taskstore/mongo/clients/mongo"
	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/task"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
	"github.com/lodestar-ai/lodestar/server"
)

// closeTimeout bounds the whole shutdown sequence.
const closeTimeout = 30 * time.Second

// Fallback per-provider model ids, used only when a request reaches a
// provider client without a resolved model name.
const (
	defaultOpenAIModel    = "gpt-4o"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultBedrockModel   = "anthropic.claude-sonnet-4-20250514-v1:0"
)

// deps holds the process-wide dependencies. buildDeps opens them in
// dependency order and close releases them in reverse.
type deps struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	pool      *pgxpool.Pool
	rdb       *goredis.Client
	mongo     *mongodriver.Client
	dockerCli docker.Client

	store      *postgres.Store
	runlog     *runlogredis.Log
	registry   *regredis.Registry
	broker     *brokerpulse.Broker
	sandboxes  *docker.Provider
	resolver   *model.Resolver
	modelc     model.Client
	taskStores func() task.Store

	// svc and tokens are only built when the process hosts the server.
	svc    *controlplane.Service
	tokens *server.Tokens

	pingers []health.Pinger
}

// buildDeps opens every backend the configured mode needs. On failure it
// releases whatever it already opened.
func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewClueMetrics(),
		tracer:  telemetry.NewClueTracer(),
	}
	ok := false
	defer func() {
		if !ok {
			d.close(context.Background())
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	d.pool = pool
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st, err := postgres.New(pool)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	d.store = st
	d.pingers = append(d.pingers, postgresPinger{pool: pool})

	d.rdb = goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d.pingers = append(d.pingers, redisPinger{rdb: d.rdb})

	d.runlog, err = runlogredis.New(runlogredis.Options{Redis: d.rdb})
	if err != nil {
		return nil, err
	}
	d.registry, err = regredis.New(regredis.Options{Redis: d.rdb, Logger: d.logger})
	if err != nil {
		return nil, err
	}

	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: d.rdb})
	if err != nil {
		return nil, err
	}
	d.broker, err = brokerpulse.New(brokerpulse.Options{
		Client:      pulseClient,
		Concurrency: cfg.Worker.Concurrency,
		Logger:      d.logger,
	})
	if err != nil {
		return nil, err
	}

	d.dockerCli, err = docker.NewEngineClient()
	if err != nil {
		return nil, err
	}
	d.sandboxes, err = docker.New(docker.Options{
		Client: d.dockerCli,
		Image:  cfg.Sandbox.Image,
		Logger: d.logger,
	})
	if err != nil {
		return nil, err
	}

	d.resolver, err = model.NewResolver(model.ResolverOptions{
		ServerModel:     cfg.Model.ServerModel,
		LocalBaseURL:    cfg.Model.LocalBaseURL,
		DefaultModel:    cfg.Model.DefaultModel,
		DefaultProvider: cfg.Model.DefaultProvider,
		Aliases:         cfg.Model.Aliases,
	})
	if err != nil {
		return nil, err
	}
	d.modelc, err = buildModelClient(ctx, cfg, d.resolver, d.rdb)
	if err != nil {
		return nil, err
	}

	if cfg.WorkerEnabled() {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		d.mongo = mc
		tsClient, err := clientsmongo.New(clientsmongo.Options{
			Client:   mc,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return nil, err
		}
		if err := tsClient.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		ts, err := taskmongo.NewStore(taskmongo.Options{Client: tsClient})
		if err != nil {
			return nil, err
		}
		d.taskStores = func() task.Store { return ts }
		d.pingers = append(d.pingers, tsClient)
	}

	if cfg.ServerEnabled() {
		var namer model.Client
		if !cfg.Naming.Disabled {
			namer = d.modelc
		}
		d.svc, err = controlplane.New(controlplane.Options{
			InstanceID:    cfg.InstanceID,
			Runs:          st.Runs(),
			Threads:       st.Threads(),
			Projects:      st.Projects(),
			Messages:      st.Messages(),
			Log:           d.runlog,
			Registry:      d.registry,
			Broker:        d.broker,
			Sandboxes:     d.sandboxes,
			Resolver:      d.resolver,
			Namer:         namer,
			NamingTimeout: cfg.Naming.Timeout,
			Logger:        d.logger,
			Metrics:       d.metrics,
			Tracer:        d.tracer,
		})
		if err != nil {
			return nil, err
		}
		d.tokens, err = server.NewTokens(cfg.Server.TokenSecret, cfg.Server.TokenTTL)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return d, nil
}

// buildModelClient assembles the provider mux and wraps it with the adaptive
// rate limiter. It returns nil when no provider is configured, which disables
// model-dependent components such as naming.
func buildModelClient(ctx context.Context, cfg *config.Config, resolver *model.Resolver, rdb *goredis.Client) (model.Client, error) {
	clients := make(map[string]model.Client)
	if cfg.Model.OpenAI.BaseURL != "" {
		c, err := openai.NewFromBaseURL(cfg.Model.OpenAI.BaseURL, cfg.Model.OpenAI.APIKey, defaultOpenAIModel)
		if err != nil {
			return nil, err
		}
		clients[model.ProviderOpenAI] = c
	} else if cfg.Model.OpenAI.APIKey != "" {
		c, err := openai.NewFromAPIKey(cfg.Model.OpenAI.APIKey, defaultOpenAIModel)
		if err != nil {
			return nil, err
		}
		clients[model.ProviderOpenAI] = c
	}
	if cfg.Model.Anthropic.APIKey != "" {
		c, err := anthropic.NewFromAPIKey(cfg.Model.Anthropic.APIKey, defaultAnthropicModel)
		if err != nil {
			return nil, err
		}
		clients[model.ProviderAnthropic] = c
	}
	if cfg.Model.Bedrock.Region != "" {
		bedrockModel := cfg.Model.Bedrock.Model
		if bedrockModel == "" {
			bedrockModel = defaultBedrockModel
		}
		c, err := bedrock.NewFromRegion(ctx, cfg.Model.Bedrock.Region, bedrockModel)
		if err != nil {
			return nil, err
		}
		clients[model.ProviderBedrock] = c
	}
	if cfg.Model.LocalBaseURL != "" && cfg.Model.ServerModel != "" {
		// The override routes every run to the local endpoint, so the
		// client for the override's provider must be the local one.
		res := resolver.Resolve("")
		c, err := openai.NewFromBaseURL(cfg.Model.LocalBaseURL, cfg.Model.OpenAI.APIKey, res.Model)
		if err != nil {
			return nil, err
		}
		clients[res.Provider] = c
	}
	if len(clients) == 0 {
		return nil, nil
	}

	fallback := pickFallback(resolver.Resolve("").Provider, clients)
	mux, err := model.NewMux(fallback, clients)
	if err != nil {
		return nil, err
	}
	timeout := model.WithTimeout(cfg.Model.Timeout)
	if !cfg.Model.RateLimit.Enabled {
		return model.Chain(mux, timeout), nil
	}
	limits, err := rmap.Join(ctx, "lodestar_model_limits", rdb)
	if err != nil {
		return nil, fmt.Errorf("join rate limit map: %w", err)
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, limits, "tpm",
		cfg.Model.RateLimit.InitialTPM, cfg.Model.RateLimit.MaxTPM)
	// The limiter wraps the timeout so waiting for capacity does not consume
	// the completion budget.
	return model.Chain(mux, limiter.Middleware(), timeout), nil
}

// pickFallback selects the mux fallback provider, preferring the provider of
// the default model.
func pickFallback(preferred string, clients map[string]model.Client) string {
	if clients[preferred] != nil {
		return preferred
	}
	for _, p := range []string{model.ProviderAnthropic, model.ProviderOpenAI, model.ProviderBedrock} {
		if clients[p] != nil {
			return p
		}
	}
	return ""
}

// close releases every open backend. The broker goes first so no handler is
// mid-run when its stores disappear.
func (d *deps) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	if d.broker != nil {
		if err := d.broker.Close(ctx); err != nil {
			d.logger.Error(ctx, "close broker", "err", err)
		}
	}
	if d.svc != nil {
		d.svc.Wait()
	}
	if d.mongo != nil {
		if err := d.mongo.Disconnect(ctx); err != nil {
			d.logger.Error(ctx, "disconnect mongo", "err", err)
		}
	}
	if d.dockerCli != nil {
		if err := d.dockerCli.Close(); err != nil {
			d.logger.Error(ctx, "close docker client", "err", err)
		}
	}
	if d.rdb != nil {
		if err := d.rdb.Close(); err != nil {
			d.logger.Error(ctx, "close redis", "err", err)
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

type redisPinger struct{ rdb *goredis.Client }

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

type postgresPinger struct{ pool *pgxpool.Pool }

func (p postgresPinger) Name() string { return "postgres" }

func (p postgresPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
