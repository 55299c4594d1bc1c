package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/accounts"
	"github.com/angelmondragon/ap2-agents/internal/audit"
	"github.com/angelmondragon/ap2-agents/internal/carts"
	"github.com/angelmondragon/ap2-agents/internal/challenge"
	"github.com/angelmondragon/ap2-agents/internal/credentials"
	"github.com/angelmondragon/ap2-agents/internal/keylock"
	"github.com/angelmondragon/ap2-agents/internal/merchant"
	"github.com/angelmondragon/ap2-agents/internal/orchestrator"
	"github.com/angelmondragon/ap2-agents/internal/processor"
	"github.com/angelmondragon/ap2-agents/internal/remote"
	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/db"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/metrics"
	"github.com/angelmondragon/ap2-agents/pkg/migrate"
	"github.com/angelmondragon/ap2-agents/pkg/pubsub"
	pkgredis "github.com/angelmondragon/ap2-agents/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
)

// lockSlack is added to the downstream timeout so a task lock outlives the
// slowest outbound call made while it is held.
const lockSlack = 30 * time.Second

// Pinger is a dependency the readiness endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type closer func() error

// Runtime is one role process: its orchestrator plus every resource the
// role's stores and sinks hold open.
type Runtime struct {
	Config       *config.Config
	Logger       *logger.Logger
	Orchestrator *orchestrator.Orchestrator
	Registry     *prometheus.Registry

	pingers map[string]Pinger
	closers []closer
}

// Option overrides a default dependency, mainly for tests.
type Option func(*options)

type options struct {
	sender remote.Sender
	redis  *pkgredis.Client
	now    func() time.Time
}

// WithSender replaces the HTTP client used to reach peer agents.
func WithSender(sender remote.Sender) Option {
	return func(o *options) { o.sender = sender }
}

// WithRedis uses an existing Redis client instead of dialing one from config.
func WithRedis(client *pkgredis.Client) Option {
	return func(o *options) { o.redis = client }
}

// WithClock fixes the clock seen by the orchestrator.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires the role selected by cfg.Service.Kind.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger, opts ...Option) (rt *Runtime, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if logg == nil {
		logg = logger.Nop()
	}

	rt = &Runtime{
		Config:   cfg,
		Logger:   logg,
		Registry: prometheus.NewRegistry(),
		pingers:  map[string]Pinger{},
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.Close())
			rt = nil
		}
	}()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	redisClient := o.redis
	if redisClient == nil && cfg.Redis.Enabled() {
		redisClient, err = pkgredis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return rt, fmt.Errorf("bootstrap redis: %w", err)
		}
		rt.closers = append(rt.closers, redisClient.Close)
	}
	if redisClient != nil {
		rt.pingers["redis"] = redisClient
	}

	role := cfg.Service.Kind
	var store task.Store = task.NewMemoryStore()
	var locker keylock.Locker = keylock.NewMemoryLocker()
	if redisClient != nil {
		if store, err = task.NewRedisStore(redisClient, role, cfg.Redis.KeyTTL); err != nil {
			return rt, err
		}
		if locker, err = keylock.NewRedisLocker(redisClient, role, cfg.Downstream.Timeout+lockSlack); err != nil {
			return rt, err
		}
	}

	sink, err := rt.auditSink(ctx, logg)
	if err != nil {
		return rt, err
	}

	sender := o.sender
	if sender == nil {
		sender = remote.NewClient(remote.WithTimeout(cfg.Downstream.Timeout))
	}

	var ops []orchestrator.Operation
	var policy orchestrator.CallerPolicy
	switch role {
	case config.ServiceKindMerchant:
		ops, err = rt.merchantOperations(cfg, redisClient, sender, logg)
		policy = orchestrator.NewAllowList(cfg.Merchant.TrustedAgents...)
	case config.ServiceKindCredentialsProvider:
		ops, err = rt.credentialsOperations(ctx, cfg, redisClient, logg)
	case config.ServiceKindPaymentProcessor:
		ops, err = rt.processorOperations(cfg, redisClient, sender, logg)
	default:
		err = fmt.Errorf("unknown service kind %q", role)
	}
	if err != nil {
		return rt, err
	}

	rt.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Role:       role,
		Operations: ops,
		Store:      store,
		Locker:     locker,
		Policy:     policy,
		Audit:      sink,
		Metrics:    metrics.NewTaskMetrics(rt.Registry, role),
		Logger:     logg,
		Signing:    cfg.Signing,
		Now:        o.now,
	})
	if err != nil {
		return rt, err
	}
	logg.Info(logg.WithField(ctx, "operations", len(ops)), "agent.ready")
	return rt, nil
}

func (rt *Runtime) auditSink(ctx context.Context, logg *logger.Logger) (audit.Sink, error) {
	logSink := audit.NewLogSink(logg)
	if rt.Config.Audit.Sink != config.AuditSinkPubSub {
		return logSink, nil
	}
	client, err := pubsub.NewClient(ctx, rt.Config.GCP, rt.Config.Audit, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap pubsub: %w", err)
	}
	rt.closers = append(rt.closers, client.Close)
	rt.pingers["pubsub"] = client
	return audit.Multi{logSink, audit.NewPubSubSink(client.AuditPublisher(), logg)}, nil
}

func (rt *Runtime) merchantOperations(cfg *config.Config, rc *pkgredis.Client, sender remote.Sender, logg *logger.Logger) ([]orchestrator.Operation, error) {
	var cartStore carts.Store = carts.NewMemoryStore(cfg.Merchant.CartTTL)
	var seq carts.Sequence = carts.NewMemorySequence()
	if rc != nil {
		redisCarts, err := carts.NewRedisStore(rc, cfg.Merchant.CartTTL)
		if err != nil {
			return nil, err
		}
		redisSeq, err := carts.NewRedisSequence(rc)
		if err != nil {
			return nil, err
		}
		cartStore, seq = redisCarts, redisSeq
	}

	catalog := merchant.DefaultCatalog()
	if path := strings.TrimSpace(cfg.Merchant.CatalogFile); path != "" {
		loaded, err := merchant.LoadCatalogFile(path)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}

	agent, err := merchant.NewAgent(merchant.Params{
		Config:     cfg.Merchant,
		Signing:    cfg.Signing,
		Processors: processorRoutes(cfg),
		Carts:      cartStore,
		Sequence:   seq,
		Catalog:    catalog,
		Sender:     sender,
		Logger:     logg,
	})
	if err != nil {
		return nil, err
	}
	return agent.Operations(), nil
}

// processorRoutes maps payment method types to processor base URLs. The
// payment_processor peer serves cards when no explicit route is configured.
func processorRoutes(cfg *config.Config) map[string]string {
	routes := map[string]string{}
	for method, url := range cfg.Merchant.Processors {
		routes[method] = url
	}
	if _, ok := routes[enums.PaymentMethodTypeCard.String()]; !ok {
		if url, ok := cfg.Peers.URLFor(config.ServiceKindPaymentProcessor); ok {
			routes[enums.PaymentMethodTypeCard.String()] = url
		}
	}
	return routes
}

func (rt *Runtime) credentialsOperations(ctx context.Context, cfg *config.Config, rc *pkgredis.Client, logg *logger.Logger) ([]orchestrator.Operation, error) {
	seed := accounts.DemoAccounts()
	if path := strings.TrimSpace(cfg.Credentials.AccountsFile); path != "" {
		loaded, err := accounts.LoadSeedFile(path)
		if err != nil {
			return nil, err
		}
		seed = loaded
	}

	var repo accounts.Repository
	if cfg.DB.UsesSQL() {
		sqlRepo, err := rt.sqlAccounts(ctx, cfg, logg, seed)
		if err != nil {
			return nil, err
		}
		repo = sqlRepo
	} else {
		repo = accounts.NewMemoryRepository(seed...)
	}

	var tokens accounts.TokenStore = accounts.NewMemoryTokenStore()
	if rc != nil {
		redisTokens, err := accounts.NewRedisTokenStore(rc, cfg.Credentials.TokenTTL)
		if err != nil {
			return nil, err
		}
		tokens = redisTokens
	}

	wallet, err := accounts.NewManager(accounts.ManagerParams{Accounts: repo, Tokens: tokens, Logger: logg})
	if err != nil {
		return nil, err
	}
	agent, err := credentials.NewAgent(credentials.Params{Wallet: wallet, BaseURL: cfg.App.BaseURL(), Logger: logg})
	if err != nil {
		return nil, err
	}
	return agent.Operations(), nil
}

// sqlAccounts opens the account database, applies migrations when enabled
// and seeds an empty table.
func (rt *Runtime) sqlAccounts(ctx context.Context, cfg *config.Config, logg *logger.Logger, seed []accounts.Account) (*accounts.SQLRepository, error) {
	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	rt.closers = append(rt.closers, client.Close)
	rt.pingers["database"] = client

	if err := migrate.MaybeRun(ctx, cfg.DB, logg, client); err != nil {
		return nil, err
	}
	repo, err := accounts.NewSQLRepository(client.DB())
	if err != nil {
		return nil, err
	}
	count, err := repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	if count > 0 {
		return repo, nil
	}
	for _, acct := range seed {
		if err := repo.Save(ctx, acct); err != nil {
			// Another replica seeded the same row first.
			if db.IsUniqueViolation(err, "") {
				continue
			}
			return nil, fmt.Errorf("seed account %s: %w", acct.Email, err)
		}
	}
	logg.Info(logg.WithField(ctx, "accounts", len(seed)), "accounts.seeded")
	return repo, nil
}

func (rt *Runtime) processorOperations(cfg *config.Config, rc *pkgredis.Client, sender remote.Sender, logg *logger.Logger) ([]orchestrator.Operation, error) {
	var store challenge.Store = challenge.NewMemoryStore()
	if rc != nil {
		redisStore, err := challenge.NewRedisStore(rc, cfg.Redis.KeyTTL)
		if err != nil {
			return nil, err
		}
		store = redisStore
	}
	svc, err := challenge.NewService(challenge.Params{
		Store:     store,
		Config:    cfg.Processor,
		Deliverer: challenge.LogDeliverer{Logger: logg},
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}
	credentialsURL, _ := cfg.Peers.URLFor(config.ServiceKindCredentialsProvider)
	agent, err := processor.NewAgent(processor.Params{
		Challenges:     svc,
		Sender:         sender,
		CredentialsURL: credentialsURL,
		Logger:         logg,
	})
	if err != nil {
		return nil, err
	}
	return agent.Operations(), nil
}

// Ready pings every backing service.
func (rt *Runtime) Ready(ctx context.Context) error {
	var err error
	for name, p := range rt.pingers {
		if pingErr := p.Ping(ctx); pingErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, pingErr))
		}
	}
	return err
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i]())
	}
	rt.closers = nil
	return err
}
