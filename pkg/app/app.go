package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/modusec/blacklist/pkg/api"
	"github.com/modusec/blacklist/pkg/cache"
	"github.com/modusec/blacklist/pkg/collector"
	"github.com/modusec/blacklist/pkg/config"
	"github.com/modusec/blacklist/pkg/events"
	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/pipeline"
	"github.com/modusec/blacklist/pkg/scheduler"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
	"github.com/modusec/blacklist/pkg/vault"
)

const shutdownTimeout = 15 * time.Second

// App wires every component of the blacklist service together.
type App struct {
	cfg       *config.Config
	store     *store.BoltStore
	cache     *cache.Tiered
	vault     *vault.Vault
	limiter   *vault.Limiter
	broker    *events.Broker
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	server    *http.Server
	logger    zerolog.Logger
}

// New builds the service from configuration. Failures here map onto
// the startup exit codes: vault corruption and store unavailability
// keep their error kinds for main to classify.
func New(cfg *config.Config) (*App, error) {
	logger := log.WithComponent("app")

	st, err := store.NewBoltStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	v, err := vault.Open(cfg.VaultPath, cfg.SeedPath, []byte(cfg.SecretKey))
	if err != nil {
		st.Close()
		return nil, err
	}
	seedVaultFromEnv(cfg, v, logger)

	broker := events.NewBroker()
	broker.Start()

	client, err := redisClient(cfg.CacheURL)
	if err != nil {
		st.Close()
		broker.Stop()
		return nil, err
	}

	version, err := st.ActiveSetVersion()
	if err != nil {
		st.Close()
		broker.Stop()
		return nil, err
	}
	tiered := cache.New(client, cfg.CacheEntries, version, broker)

	limiter := vault.NewLimiter(st, cfg.MaxAuthAttempts, cfg.BlockDuration)
	creds := &lockedCredentials{vault: v, limiter: limiter, broker: broker}

	clientCfg := collector.ClientConfig{
		Timeout:        cfg.HTTPTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRetries:     5,
	}
	collectors := []collector.Collector{
		collector.NewRegtech(cfg.Sources[types.SourceREGTECH].BaseURL, creds, limiter, clientCfg),
		collector.NewSecudium(cfg.Sources[types.SourceSECUDIUM].BaseURL, creds, limiter, clientCfg),
	}

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	pipe := pipeline.New(st, broker, retention)
	sched := scheduler.New(cfg, st, pipe, broker, collectors)

	apiServer := api.New(cfg, st, tiered, sched, &vaultAdmin{Vault: v, broker: broker}, nil)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:       cfg,
		store:     st,
		cache:     tiered,
		vault:     v,
		limiter:   limiter,
		broker:    broker,
		pipeline:  pipe,
		scheduler: sched,
		server:    httpServer,
		logger:    logger,
	}, nil
}

// Run starts the scheduler and serves HTTP until ctx is cancelled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start()
	a.logger.Info().Str("addr", a.server.Addr).Msg("service started")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	a.close()
	return nil
}

func (a *App) close() {
	a.scheduler.Stop()
	a.cache.Stop()
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("store close failed")
	}
}

// seedVaultFromEnv copies environment fallback credentials into the
// vault for sources the vault does not know yet, so a fresh deploy can
// collect before the operator touches the control plane.
func seedVaultFromEnv(cfg *config.Config, v *vault.Vault, logger zerolog.Logger) {
	for src, sc := range cfg.Sources {
		if _, err := v.Get(src); err == nil {
			continue
		}
		if sc.Username != "" && sc.Password != "" {
			if err := v.Put(src, sc.Username, sc.Password); err != nil {
				logger.Warn().Err(err).Str("source", string(src)).Msg("could not seed vault from environment")
				continue
			}
			logger.Info().Str("source", string(src)).Msg("vault seeded from environment")
		}
		if sc.Token != "" {
			if err := v.PutToken(src, sc.Token); err != nil {
				logger.Warn().Err(err).Str("source", string(src)).Msg("could not seed token from environment")
			}
		}
	}
}

// redisClient builds the primary cache client. Empty URL means the
// in-process tier only; both redis:// URLs and bare host:port work.
func redisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	return redis.NewClient(opts), nil
}

// lockedCredentials layers the lockout policy over vault reads: a
// source in lockout gets no credentials until the block expires.
type lockedCredentials struct {
	vault   *vault.Vault
	limiter *vault.Limiter
	broker  *events.Broker
}

func (c *lockedCredentials) Get(source types.Source) (*types.Credential, error) {
	locked, until, err := c.limiter.LockedOut(source, time.Now())
	if err == nil && locked {
		if c.broker != nil {
			c.broker.Publish(&events.Event{
				Type:    events.EventCredentialLockout,
				Source:  string(source),
				Message: "locked out until " + until.Format(time.RFC3339),
			})
		}
		return nil, types.Ef(types.KindRateLimited, "credentials for %s locked out until %s", source, until.Format(time.RFC3339))
	}
	return c.vault.Get(source)
}

func (c *lockedCredentials) Probe(source types.Source, ok bool) error {
	return c.vault.Probe(source, ok)
}

// vaultAdmin is the control-plane credential surface; rotation is
// announced on the event bus.
type vaultAdmin struct {
	*vault.Vault
	broker *events.Broker
}

func (a *vaultAdmin) Rotate() error {
	if err := a.Vault.Rotate(); err != nil {
		return err
	}
	if a.broker != nil {
		a.broker.Publish(&events.Event{Type: events.EventCredentialRotated})
	}
	return nil
}
