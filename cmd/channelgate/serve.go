package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"channelgate/internal/appctx"
	"channelgate/internal/broker"
	"channelgate/internal/channel"
	"channelgate/internal/channel/discord"
	"channelgate/internal/channel/matrix"
	"channelgate/internal/channel/signal"
	"channelgate/internal/channel/telegram"
	"channelgate/internal/channel/web"
	"channelgate/internal/channel/whatsapp"
	"channelgate/internal/config"
	"channelgate/internal/constants"
	"channelgate/internal/identity"
	"channelgate/internal/manager"
	"channelgate/internal/models"
	"channelgate/internal/realtime"
	"channelgate/internal/retry"
	"channelgate/internal/skills"
	"channelgate/internal/store"
	"channelgate/internal/vault"
)

type serveOptions struct {
	verbose bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, root.configPath, opts.verbose)
		},
	}
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	return cmd
}

// app owns every long-lived component of a running gateway.
type app struct {
	cfg     *models.Config
	rt      *appctx.Runtime
	log     *logrus.Entry
	store   *store.Store
	manager *manager.Manager
	gateway *realtime.Gateway
	server  *http.Server
}

func run(ctx context.Context, cfg *models.Config, configPath string, verbose bool) error {
	level := cfg.LogLevel
	if verbose {
		level = logrus.DebugLevel.String()
	}
	rt := appctx.New(appctx.Options{
		LogLevel:    level,
		Environment: cfg.Environment,
		Tracing:     cfg.Tracing,
	})
	log := rt.Component("main")
	log.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting channelgate")
	if verbose {
		log.Info("Verbose logging enabled")
	}

	if err := rt.Init(ctx); err != nil {
		log.Warnf("Failed to initialize tracing: %v", err)
	}

	a, err := build(ctx, rt, cfg)
	if err != nil {
		closeRuntime(rt, log)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Server.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, rt.Component("config"))
		watcher.OnChange(func(next *models.Config) {
			if verbose {
				return
			}
			if lvl, err := logrus.ParseLevel(next.LogLevel); err == nil {
				rt.Logger.SetLevel(lvl)
			}
		})
		g.Go(func() error {
			if err := watcher.Start(gctx); err != nil {
				log.Warnf("Configuration watcher stopped: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal")
		a.shutdown()
		return nil
	})

	err = g.Wait()
	closeRuntime(rt, log)
	if err != nil {
		log.Error(err)
		return err
	}
	log.Info("Shutdown completed")
	return nil
}

func build(ctx context.Context, rt *appctx.Runtime, cfg *models.Config) (*app, error) {
	log := rt.Component("main")

	var st *store.Store
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultRetryBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultMaxBackoffMs * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err := backoff.Retry(ctx, func() error {
		var openErr error
		st, openErr = store.Open(ctx, cfg.Database.Path)
		if openErr != nil {
			log.Warnf("Failed to open database: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database after retries: %w", err)
	}

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	validator, err := newValidator(rt, cfg.Identity)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	b, err := newBroker(ctx, rt, cfg.Broker)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// The web channel pushes through the gateway, which routes through the
	// manager, so the pusher is bound once both exist.
	pusher := &gatewayPusher{}
	mgr := manager.New(rt, manager.Options{
		Config:    cfg.Manager,
		Reconnect: retry.FromConfig(cfg.Reconnect),
		Store:     st,
		Vault:     v,
		Factories: map[models.ChannelType]channel.Factory{
			models.ChannelTypeTelegram: telegram.Factory(),
			models.ChannelTypeDiscord:  discord.Factory(),
			models.ChannelTypeMatrix:   matrix.Factory(),
			models.ChannelTypeWhatsApp: whatsapp.Factory(),
			models.ChannelTypeSignal:   signal.Factory(),
			models.ChannelTypeWeb:      web.Factory(pusher),
		},
	})

	registry := skills.NewRegistry()
	skills.RegisterBuiltins(registry, mgr)

	gw := realtime.New(rt, realtime.Options{
		Config:         cfg.Gateway,
		Validator:      validator,
		Broker:         b,
		Topic:          cfg.Broker.Topic,
		Router:         mgr,
		Skills:         registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthTimeout:    cfg.Identity.Timeout,
	})

	pusher.gateway = gw
	mgr.SetSink(gw)
	mgr.Start()

	if err := gw.Start(ctx); err != nil {
		_ = mgr.Shutdown(ctx)
		_ = b.Close()
		_ = st.Close()
		return nil, err
	}
	if _, err := mgr.LoadActive(ctx); err != nil {
		log.Warnf("Failed to load stored channels: %v", err)
	}

	srv := NewServer(rt, ServerDeps{
		Channels:   mgr,
		Store:      st,
		Vault:      v,
		Validator:  validator,
		Realtime:   gw,
		Production: cfg.Environment == constants.ProductionEnvValue,
	})

	return &app{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		store:   st,
		manager: mgr,
		gateway: gw,
		server: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      srv,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}, nil
}

type gatewayPusher struct {
	gateway *realtime.Gateway
}

func (p *gatewayPusher) Push(ctx context.Context, channelID string, msg models.OutgoingMessage) (string, error) {
	return p.gateway.Push(ctx, channelID, msg)
}

func newValidator(rt *appctx.Runtime, cfg models.IdentityConfig) (identity.Validator, error) {
	switch cfg.Mode {
	case "remote":
		return identity.NewRemoteValidator(identity.RemoteConfig{
			URL:         cfg.RemoteURL,
			Timeout:     cfg.Timeout,
			MaxFailures: constants.DefaultBreakerMaxFailures,
			OpenTimeout: constants.DefaultBreakerTimeout,
			Logger:      rt.Component("identity"),
		})
	default:
		return identity.NewJWTValidator(cfg.JWTSecret, identity.WithRequiredPermission(cfg.RequiredPermission))
	}
}

func newBroker(ctx context.Context, rt *appctx.Runtime, cfg models.BrokerConfig) (broker.Broker, error) {
	if cfg.Mode != "redis" {
		return broker.NewMemory(), nil
	}
	return broker.NewRedis(ctx, broker.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, rt.Component("broker"))
}

// shutdown stops the gateway in dependency order. Every stage gets its own
// timeout and runs even if an earlier stage failed.
func (a *app) shutdown() {
	stage := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.WithField("stage", name).Warnf("Shutdown stage failed: %v", err)
		}
	}

	stage("drain gateway", func(ctx context.Context) error {
		a.gateway.Drain(ctx)
		return nil
	})
	stage("stop channels", a.manager.Shutdown)
	stage("close gateway", a.gateway.Close)
	stage("stop http", a.server.Shutdown)
	stage("close store", func(context.Context) error { return a.store.Close() })
}

func closeRuntime(rt *appctx.Runtime, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		log.Warnf("Failed to shutdown tracing: %v", err)
	}
}
