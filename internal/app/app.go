// Package app assembles the workflow pipeline from configuration. Optional
// backends that are unset or unreachable are skipped with a warning.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/confidence"
	"github.com/nidhogg/nuka-flow/internal/conversation"
	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/decision"
	"github.com/nidhogg/nuka-flow/internal/embedding"
	"github.com/nidhogg/nuka-flow/internal/executor"
	"github.com/nidhogg/nuka-flow/internal/notify"
	"github.com/nidhogg/nuka-flow/internal/orchestrator"
	"github.com/nidhogg/nuka-flow/internal/plangraph"
	"github.com/nidhogg/nuka-flow/internal/planner"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/runner"
	"github.com/nidhogg/nuka-flow/internal/store"
	"github.com/nidhogg/nuka-flow/internal/telemetry"
	"github.com/nidhogg/nuka-flow/internal/vectorstore"
)

const (
	sessionCacheSize = 128
	oracleBackoff    = time.Second
	embedTimeout     = 30 * time.Second
)

// Options tune Build for the process it runs in.
type Options struct {
	// Ask answers human-input tasks when the request carries no input.
	Ask runner.InputFunc
	// Persist turns Postgres, Neo4j, Qdrant and Redis on. The CLI runs
	// without them.
	Persist bool
	// Notify turns chat notifications on.
	Notify bool
}

// App is a wired pipeline plus the resources it owns.
type App struct {
	Config       *config.Config
	Router       *provider.Router
	Registry     *prometheus.Registry
	Metrics      *telemetry.Metrics
	Tracker      *progress.Tracker
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator

	logger  *zap.Logger
	closers []func(context.Context) error
}

// Build wires every component named in cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.onClose(shutdownTracing)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = telemetry.NewMetrics(a.Registry)

	a.Router = NewRouter(cfg, logger)
	oracle, err := provider.NewOracle(a.Router, provider.OracleConfig{
		Timeout:     cfg.Oracle.Timeout(),
		MaxAttempts: cfg.Oracle.MaxAttempts,
		Backoff:     oracleBackoff,
		CacheSize:   cfg.Oracle.CacheSize,
	}, a.Metrics, logger)
	if err != nil {
		return nil, err
	}

	var (
		results   orchestrator.ResultStore
		turns     conversation.Store
		graph     orchestrator.PlanRecorder
		index     orchestrator.Indexer
		searcher  runner.Searcher
		db        runner.TxBeginner
		publisher progress.Publisher
		notifier  orchestrator.Notifier
	)

	if opts.Persist {
		if s := a.openStore(ctx); s != nil {
			a.Store = s
			results, turns, db = s, s, s.Pool()
		}
		if g := a.openPlanGraph(ctx); g != nil {
			graph = g
		}
		if k := a.openKnowledge(); k != nil {
			index, searcher = k, k
		}
		if p := a.openPublisher(ctx); p != nil {
			publisher = p
		}
	}
	if opts.Notify {
		if b := a.openNotifier(); b != nil {
			notifier = b
		}
	}

	a.Tracker = progress.NewTracker(publisher, logger)
	if n := cfg.Server.WorkflowRetention; n > 0 {
		a.Tracker.SetRetention(n)
	}

	exec := cfg.Orchestrator.Execution
	runners := runner.New(cfg.Runners, runner.Deps{
		Gen:   oracle.WithRole(provider.RoleExecutor),
		Index: searcher,
		DB:    db,
		Ask:   opts.Ask,
	}, exec.MaxParallelTasks, logger)

	critic := critique.New(critique.Generators{Task: oracle.WithRole(provider.RoleCritic)}, logger)
	decider := decision.NewMaker(decision.Config{
		MaxRetries:           exec.MaxRetries,
		QualityThreshold:     cfg.Orchestrator.Critique.CriticalQualityThreshold,
		ImprovementThreshold: cfg.Orchestrator.Critique.ImprovementThreshold,
	}, a.Metrics, logger)

	executorSvc := executor.New(exec, executor.Options{
		Runner:    runners,
		Critic:    critic,
		Decider:   decider,
		Validator: oracle.WithRole(provider.RoleCritic),
		Reporter:  a.Tracker,
		Metrics:   a.Metrics,
	}, logger)

	scorer := confidence.NewScorer(oracle, cfg.Orchestrator.Confidence, logger)
	sessions, err := conversation.NewSessions(sessionCacheSize, conversation.DefaultConfig(), turns, logger)
	if err != nil {
		return nil, err
	}

	a.Orchestrator, err = orchestrator.New(cfg.Orchestrator, orchestrator.Options{
		Scorer:    scorer,
		Clarifier: confidence.NewClarifier(oracle, scorer, cfg.Orchestrator.Confidence, logger),
		Planner:   planner.New(oracle.WithRole(provider.RolePlanner), logger),
		Critic:    critic,
		Decider:   decider,
		Executor:  executorSvc,
		Synth:     oracle,
		Tracker:   a.Tracker,
		Sessions:  sessions,
		Results:   results,
		Graph:     graph,
		Index:     index,
		Notifier:  notifier,
		Metrics:   a.Metrics,
	}, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// NewRouter registers the configured providers and role bindings.
func NewRouter(cfg *config.Config, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: pc.Timeout(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	for _, rb := range cfg.Roles {
		router.Bind(rb.Role, rb.Provider, rb.Model)
		if len(rb.Fallbacks) > 0 {
			router.SetFallbacks(rb.Role, rb.Fallbacks)
		}
	}
	return router
}

func (a *App) openStore(ctx context.Context) *store.Store {
	dsn := a.Config.Database.Postgres.DSN
	if dsn == "" {
		return nil
	}
	s, err := store.New(ctx, dsn, a.logger)
	if err != nil {
		a.logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		return nil
	}
	if err := s.Migrate(ctx, a.Config.Migrations); err != nil {
		a.logger.Warn("migration failed, running without persistence", zap.Error(err))
		s.Close()
		return nil
	}
	a.onClose(func(context.Context) error {
		s.Close()
		return nil
	})
	return s
}

func (a *App) openPlanGraph(ctx context.Context) *plangraph.Store {
	n := a.Config.Database.Neo4j
	if n.URI == "" {
		return nil
	}
	g, err := plangraph.NewStore(n.URI, n.User, n.Password, a.logger)
	if err == nil {
		err = g.EnsureSchema(ctx)
		if err != nil {
			g.Close(ctx)
		}
	}
	if err != nil {
		a.logger.Warn("Neo4j unavailable, running without plan graph", zap.Error(err))
		return nil
	}
	a.onClose(g.Close)
	return g
}

func (a *App) openKnowledge() *vectorstore.Knowledge {
	q, e := a.Config.Database.Qdrant, a.Config.Embedding
	if q.Host == "" || e.Endpoint == "" {
		return nil
	}
	client, err := vectorstore.Dial(vectorstore.Config{Host: q.Host, Port: q.Port})
	if err != nil {
		a.logger.Warn("Qdrant unavailable, running without knowledge index", zap.Error(err))
		return nil
	}
	a.onClose(func(context.Context) error { return client.Close() })
	embedder := embedding.NewAPIEmbedder(embedding.Config{
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
	}, &http.Client{Timeout: embedTimeout})
	return vectorstore.NewKnowledge(client, embedder, a.Config.Runners.KnowledgeIndex, a.logger)
}

func (a *App) openPublisher(ctx context.Context) *progress.RedisPublisher {
	url := a.Config.Database.Redis.URL
	if url == "" {
		return nil
	}
	p, err := progress.NewRedisPublisher(ctx, url, a.logger)
	if err != nil {
		a.logger.Warn("Redis unavailable, progress stays in process", zap.Error(err))
		return nil
	}
	a.onClose(func(context.Context) error { return p.Close() })
	return p
}

func (a *App) openNotifier() *notify.Broadcaster {
	n := a.Config.Notify
	var channels []notify.Channel
	if n.Slack.Enabled && n.Slack.BotToken != "" {
		channels = append(channels, notify.NewSlack(n.Slack.BotToken, n.Slack.Channel))
	}
	if n.Discord.Enabled && n.Discord.BotToken != "" {
		d, err := notify.NewDiscord(n.Discord.BotToken, n.Discord.ChannelID)
		if err != nil {
			a.logger.Warn("discord notifications disabled", zap.Error(err))
		} else {
			channels = append(channels, d)
		}
	}
	if len(channels) == 0 {
		return nil
	}
	return notify.NewBroadcaster(a.logger, channels...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
