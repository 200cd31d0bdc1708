// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rating-tracker/authcore/internal/access"
	"github.com/rating-tracker/authcore/internal/ceremony"
	"github.com/rating-tracker/authcore/internal/challenge"
	"github.com/rating-tracker/authcore/internal/clientip"
	"github.com/rating-tracker/authcore/internal/config"
	"github.com/rating-tracker/authcore/internal/httpapi"
	"github.com/rating-tracker/authcore/internal/kv"
	"github.com/rating-tracker/authcore/internal/logging"
	"github.com/rating-tracker/authcore/internal/observability"
	"github.com/rating-tracker/authcore/internal/openid"
	"github.com/rating-tracker/authcore/internal/passkey"
	"github.com/rating-tracker/authcore/internal/postgres"
	"github.com/rating-tracker/authcore/internal/ratelimit"
	"github.com/rating-tracker/authcore/internal/session"
	"github.com/rating-tracker/authcore/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API",
		Long: `Start the API server and the observability server. The process
stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.SetDefault(logging.Options{
				Service: "authcore",
				Version: version,
				Format:  cfg.Log.Format,
				Level:   logging.ParseLevel(cfg.Log.Level),
			})

			d := deps.withDefaults()
			if deps == nil || deps.Logger == nil {
				d.Logger = logger
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, d)
			if err != nil {
				errutil.LogError(logger, "startup failed", err)
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

// app holds the wired server and the resources it owns.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      Database
	store   kv.Store
	closers []func() error
	gate    *access.Gate
	oidc    *openid.Service
	api     http.Handler
	obs     *observability.Server
}

// buildApp connects to the dependencies and wires every component.
func buildApp(ctx context.Context, cfg *config.Config, d *Deps) (*app, error) {
	a := &app{cfg: cfg, logger: d.Logger}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	db, err := openDatabase(ctx, d, cfg.Database.URL)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	a.db = db
	a.closers = append(a.closers, func() error { db.Close(); return nil })

	if cfg.AutoMigrate {
		if err := migrateUp(d, cfg.Database.URL, a.logger); err != nil {
			return nil, err
		}
	}

	a.obs = observability.NewServer(cfg.Metrics.Addr, a.logger,
		observability.ReadinessCheck{Name: "postgres", Check: db.Ping})

	switch cfg.Store.Driver {
	case config.DriverRedis:
		client, err := d.NewRedisClient(cfg.Store.RedisURL, cfg.Store.RedisPassword)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		if _, err := connect(ctx, d, "redis", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, client.Ping(ctx).Err()
		}); err != nil {
			return nil, oops.Code("REDIS_CONNECT_FAILED").Wrap(err)
		}
		store, err := kv.NewRedisStore(client)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.obs.AddCheck(observability.ReadinessCheck{Name: "redis", Check: store.Ping})
	default:
		store := kv.NewMemoryStore(kv.MemoryConfig{Registerer: a.obs.Registry()})
		a.closers = append(a.closers, store.Close)
		a.store = store
	}

	users := postgres.NewUserRepository(db)
	credentials := postgres.NewCredentialRepository(db)

	a.gate, err = access.NewGate(users, credentials, postgres.NewTransactor(db),
		access.WithIdentities(postgres.NewIdentityRepository(db)),
		access.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	var federation httpapi.Federation
	if cfg.OIDC.Enabled() {
		a.oidc, err = openid.NewService(openid.Config{
			IssuerURL:     cfg.OIDC.IssuerURL,
			ClientID:      cfg.OIDC.ClientID,
			ClientSecret:  cfg.OIDC.ClientSecret,
			RedirectURL:   cfg.OIDCRedirectURL(),
			Scopes:        cfg.OIDC.Scopes,
			RoleClaimPath: cfg.OIDC.RoleClaimPath,
		}, a.gate, openid.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		federation = a.oidc
	}
	issuer, err := challenge.NewIssuer(a.store, credentials, challenge.Config{TTL: cfg.Challenge.TTL},
		challenge.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	verifier, err := ceremony.NewVerifier(issuer, passkey.Codec{}, credentials, a.gate,
		ceremony.Config{RPID: cfg.RelyingParty.ID, Origin: cfg.RelyingParty.Origin},
		ceremony.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(a.store, a.gate,
		session.Config{TTL: cfg.Session.TTL, MaxLifetime: cfg.Session.MaxLifetime},
		session.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(a.store, ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window},
		ratelimit.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	api, err := httpapi.New(httpapi.Deps{
		Challenges: issuer,
		Ceremonies: verifier,
		Sessions:   sessions,
		Authorizer: a.gate,
		Federation: federation,
		Limiter:    limiter,
		ClientIP:   clientip.New(cfg.Proxy.TrustedHops),
		Metrics:    a.obs.Metrics(),
		Logger:     a.logger,
	}, httpapi.Config{
		BasePath:     cfg.HTTP.BasePath,
		RelyingParty: httpapi.RelyingParty{ID: cfg.RelyingParty.ID, Name: cfg.RelyingParty.Name},
	})
	if err != nil {
		return nil, err
	}
	a.api = api.Handler()
	built = true
	return a, nil
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obsErrs, err := a.obs.Start()
	if err != nil {
		return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, obsErrs, "observability", a.logger)

	listener, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		a.stopObservability()
		return oops.Code("HTTP_LISTEN_FAILED").With("addr", a.cfg.HTTP.Addr).Wrap(err)
	}
	srv := &http.Server{
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	apiErrs := make(chan error, 1)
	go func() {
		defer close(apiErrs)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErrs <- err
		}
	}()
	a.logger.Info("api server started", "addr", listener.Addr().String(), "base_path", a.cfg.HTTP.BasePath)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-apiErrs:
		runErr = oops.Code("HTTP_SERVE_FAILED").Wrap(err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("error stopping api server", "error", err)
	}
	a.stopObservability()
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *app) stopObservability() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.obs.Stop(ctx); err != nil {
		a.logger.Warn("error stopping observability server", "error", err)
	}
}

// Close releases the store and database handles in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn("error releasing resource", "error", err)
		}
	}
	a.closers = nil
}

// monitorServerErrors cancels the run when a server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, server string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("server error, triggering shutdown", "server", server, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
