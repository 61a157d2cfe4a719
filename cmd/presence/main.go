// SPDX-License-Identifier: MIT

// Command presence runs one replica of the classroom presence service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edgeroom/presence/internal/api"
	"github.com/edgeroom/presence/internal/authn"
	"github.com/edgeroom/presence/internal/authz"
	"github.com/edgeroom/presence/internal/broker"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/config"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/history"
	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/manager"
	"github.com/edgeroom/presence/internal/replica"
	"github.com/edgeroom/presence/internal/ws"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		log.Configure(log.Config{Service: "presence"})
		logger := log.L()
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "presence"})
	logger := log.WithComponent("main")

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     version,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("sentry initialisation failed, continuing without reporter")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("replica exited with error")
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("replica stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	registry := replica.NewRegistry(store, cfg.AgentLabel)
	replicaID, err := registry.Register(ctx)
	if err != nil {
		return err
	}

	mover := history.NewMover(store, replicaID)
	// A prior incarnation under the same label may have died with live
	// sessions; drain them before serving.
	if err := mover.MoveAllSessions(ctx); err != nil {
		return fmt.Errorf("drain stale sessions: %w", err)
	}

	verifier, err := authn.NewVerifier(cfg.Authn)
	if err != nil {
		return fmt.Errorf("build token verifier: %w", err)
	}

	clients, err := authz.NewClientMap(cfg.Authz)
	if err != nil {
		return fmt.Errorf("build authz clients: %w", err)
	}
	var authorizer authz.Client = clients
	if cfg.AuthzCache.Enabled {
		cached, err := authz.NewCachedClient(ctx, cfg.AuthzCache, clients)
		if err != nil {
			return fmt.Errorf("connect authz cache: %w", err)
		}
		defer cached.Close()
		authorizer = cached
	}
	estimator := authz.NewAudienceEstimator(cfg.Authz)

	bus, err := broker.Connect(cfg.Nats)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bus.Close()

	mgr := manager.New(cfg.WebSocket.WaitBeforeCloseConn.Std())

	rawPort, err := cfg.InternalPort()
	if err != nil {
		return err
	}
	internalPort, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil {
		return fmt.Errorf("parse internal listener port: %w", err)
	}
	peer := replica.NewTakeoverClient(store, uint16(internalPort))

	wsHandler := ws.NewHandler(ws.Deps{
		Config:     cfg.WebSocket,
		Verifier:   verifier,
		Authorizer: authorizer,
		Estimator:  estimator,
		Ledger:     store,
		Manager:    mgr,
		Broker:     busAdapter{bus},
		Mover:      mover,
		Peer:       peer,
		ReplicaID:  replicaID,
	})

	public := &http.Server{
		Addr: cfg.ListenerAddress,
		Handler: api.NewPublicRouter(api.PublicDeps{
			Verifier:    verifier,
			Authorizer:  authorizer,
			Estimator:   estimator,
			SvcAudience: cfg.SvcAudience,
			Roster:      store,
			WS:          wsHandler,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	internal := &http.Server{
		Addr:              cfg.InternalListenerAddress,
		Handler:           api.NewInternalRouter(mgr),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsListenerAddress,
		Handler:           api.NewMetricsRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Str(log.FieldAddr, cfg.ListenerAddress).
		Str("internal_addr", cfg.InternalListenerAddress).
		Str(log.FieldReplicaID, replicaID.String()).
		Msg("replica serving")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return serve(public) })
	g.Go(func() error { return serve(internal) })
	g.Go(func() error { return serve(metricsSrv) })

	// Ordered shutdown: stop accepting public traffic, let the manager's
	// terminate fan-out reach the handlers, hold the internal listener open
	// for the drain window so peers can finish takeovers, then quiesce.
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := public.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("public listener shutdown failed")
		}

		time.Sleep(cfg.WebSocket.WaitBeforeCloseConn.Std())

		if err := internal.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("internal listener shutdown failed")
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics listener shutdown failed")
		}
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Best effort from here: the remaining ledger rows move to history and
	// the replica row goes away, on a fresh context.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := mover.MoveAllSessions(cleanupCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain sessions to history")
	}
	if err := registry.Deregister(cleanupCtx); err != nil {
		logger.Error().Err(err).Msg("failed to remove replica row")
	}

	return runErr
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// busAdapter narrows *broker.Client to the handler's subscription interface.
type busAdapter struct {
	*broker.Client
}

func (b busAdapter) Subscribe(ctx context.Context, classroomID classroom.ID) (ws.Subscription, error) {
	receiver, err := b.Client.Subscribe(ctx, classroomID)
	if err != nil {
		return nil, err
	}
	return receiver, nil
}
