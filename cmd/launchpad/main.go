package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	rdb "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/config"
	"github.com/epicdev/launchpad/internal/dualstore"
	"github.com/epicdev/launchpad/internal/flow"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/http/router"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/rate"
	"github.com/epicdev/launchpad/internal/registry"
	"github.com/epicdev/launchpad/internal/session"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/store/memory"
	"github.com/epicdev/launchpad/internal/store/pg"
	"github.com/epicdev/launchpad/internal/token"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("LP_CONFIG"), "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       os.Getenv("LP_LOG_LEVEL"),
		ServiceName: "launchpad",
	})
	log := logger.L()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := wire(ctx, cfg)
	if err != nil {
		log.Fatal("startup failed", logger.Err(err))
	}
	defer c.Close()

	handler := router.New(c, prometheus.NewRegistry())
	srv := httpx.NewServer(cfg.Server.Addr, handler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", logger.String("addr", cfg.Server.Addr), logger.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if c.Secondary != nil {
		worker := dualstore.NewWorker(c.Store, c.Secondary)
		worker.BatchSize = cfg.Outbox.BatchSize
		worker.MaxAttempts = cfg.Outbox.MaxAttempts
		worker.BaseBackoff = config.Dur(cfg.Outbox.BaseBackoff, 2*time.Second)
		worker.ProfileTTL = config.Dur(cfg.Outbox.ProfileTTL, 24*time.Hour)
		g.Go(func() error {
			return worker.Run(gctx, config.Dur(cfg.Outbox.Interval, 5*time.Second))
		})
	}

	cr := cron.New()
	if _, err := cr.AddFunc(cfg.Sweep.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := c.Store.SweepExpired(sweepCtx, 24*time.Hour)
		if err != nil {
			log.Warn("sweep failed", logger.Err(err))
			return
		}
		if n > 0 {
			log.Info("sweep removed expired rows", logger.Int("rows", int(n)))
		}
	}); err != nil {
		log.Fatal("bad sweep schedule", logger.Err(err))
	}
	cr.Start()
	defer cr.Stop()

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return httpx.Shutdown(srv, 10*time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited", logger.Err(err))
	}
}

func wire(ctx context.Context, cfg *config.Config) (*app.Container, error) {
	c := &app.Container{Cfg: cfg}

	switch cfg.Storage.Driver {
	case "postgres":
		st, err := pg.New(ctx, cfg.Storage.DSN, pg.Tuning{
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		c.Store = st
		c.OnClose(st.Close)
	default:
		c.Store = memory.New()
	}

	vault, err := cache.New(cache.Config{
		Driver:   cfg.Cache.Kind,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.Vault = vault

	if cfg.Secondary.Enabled {
		sec, err := cache.New(cache.Config{
			Driver:   "redis",
			Addr:     cfg.Secondary.Addr,
			Password: cfg.Secondary.Password,
			DB:       cfg.Secondary.DB,
			Prefix:   cfg.Secondary.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("secondary: %w", err)
		}
		c.Secondary = sec
	}

	keys, err := loadKeyring(cfg)
	if err != nil {
		return nil, err
	}
	c.Keys = keys

	accessTTL, _ := cfg.AccessTTL()
	refreshTTL, _ := cfg.RefreshTTL()
	codeTTL, _ := cfg.CodeTTL()

	issuer := token.NewIssuer(cfg.JWT.Issuer, keys, accessTTL)
	c.Audit = audit.NewOutboxRecorder(c.Store)
	c.Tokens = token.NewService(c.Store, issuer, c.Audit, refreshTTL, config.Dur(cfg.Snapshot.TTL, 30*time.Second))
	c.Registry = registry.New(c.Store, 5*time.Minute)
	c.Flow = flow.NewService(c.Registry, c.Store, c.Vault, c.Tokens, codeTTL, config.Dur(cfg.OAuth.RequestTTL, 10*time.Minute))
	c.Sessions = session.NewManager(c.Store, c.Vault, config.Dur(cfg.Session.TTL, 12*time.Hour))

	var notifier session.Notifier
	if cfg.AMQP.Enabled {
		notifier = &session.AMQPNotifier{URL: cfg.AMQP.URL}
	}
	c.Bcast = session.NewBroadcaster(c.Store, c.Tokens, notifier)

	if cfg.Rate.Enabled && cfg.Cache.Kind == "redis" {
		client := rdb.NewClient(&rdb.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		c.OnClose(func() { _ = client.Close() })
		c.LoginLimiter = rate.NewRedisLimiter(client, "rl:", cfg.Rate.Login.Limit, config.Dur(cfg.Rate.Login.Window, time.Minute))
		c.TokenLimiter = rate.NewRedisLimiter(client, "rl:", cfg.Rate.Token.Limit, config.Dur(cfg.Rate.Token.Window, time.Minute))
	} else {
		c.LoginLimiter = rate.AllowAll{}
		c.TokenLimiter = rate.AllowAll{}
	}

	if err := seedDevData(ctx, cfg, c.Store); err != nil {
		return nil, err
	}
	return c, nil
}

// loadKeyring builds the signing keyring from configured seeds. With no
// keys configured (dev) a throwaway key is generated; tokens then die on
// restart, which is fine for dev and wrong for prod, so prod refuses.
func loadKeyring(cfg *config.Config) (*token.Keyring, error) {
	if len(cfg.JWT.Keys) == 0 {
		if cfg.IsProd() {
			return nil, fmt.Errorf("jwt.keys required in prod")
		}
		k, err := token.GenerateKey("dev-" + time.Now().UTC().Format("20060102"))
		if err != nil {
			return nil, err
		}
		return token.NewKeyring(k)
	}
	out := make([]token.Key, 0, len(cfg.JWT.Keys))
	for _, kc := range cfg.JWT.Keys {
		k, err := token.KeyFromSeed(kc.KID, kc.Seed)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return token.NewKeyring(out...)
}

// seedDevData provisions a bootstrap admin for the memory driver so a
// fresh dev instance is usable without the CLI.
func seedDevData(ctx context.Context, cfg *config.Config, st core.Repository) error {
	if cfg.Storage.Driver != "memory" || cfg.IsProd() {
		return nil
	}
	email := os.Getenv("LP_BOOTSTRAP_ADMIN_EMAIL")
	if email == "" {
		return nil
	}
	pass := os.Getenv("LP_BOOTSTRAP_ADMIN_PASSWORD")
	if pass == "" {
		return fmt.Errorf("LP_BOOTSTRAP_ADMIN_PASSWORD required with LP_BOOTSTRAP_ADMIN_EMAIL")
	}
	return bootstrapAdmin(ctx, st, email, pass)
}
