package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/coconut3301/backend/internal/auth"
	"github.com/coconut3301/backend/internal/background"
	"github.com/coconut3301/backend/internal/config"
	"github.com/coconut3301/backend/internal/database"
	"github.com/coconut3301/backend/internal/leaderboard"
	"github.com/coconut3301/backend/internal/metrics"
	"github.com/coconut3301/backend/internal/notify"
	"github.com/coconut3301/backend/internal/progress"
	"github.com/coconut3301/backend/internal/push"
	"github.com/coconut3301/backend/internal/reconcile"
	"github.com/coconut3301/backend/internal/server"
	"github.com/coconut3301/backend/internal/users"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var firebaseApp *firebase.App
	if appConfig.UsesFirebase() {
		firebaseApp, err = newFirebaseApp(ctx, appConfig)
		if err != nil {
			return err
		}
	}

	verifier, err := newRequestVerifier(ctx, appConfig, firebaseApp)
	if err != nil {
		return err
	}

	registry := metrics.New()

	progressService, err := progress.NewService(progress.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	policy, err := leaderboard.ParsePolicy(appConfig.LeaderboardPolicy)
	if err != nil {
		return err
	}
	leaderboardService, err := leaderboard.NewService(leaderboard.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		Policy:   policy,
		TopK:     appConfig.LeaderboardTopK,
	})
	if err != nil {
		return err
	}

	adminDirectory, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	endpointRegistry, err := notify.NewRegistry(notify.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	transportConfig := push.TransportConfig{Kind: appConfig.PushTransport, Logger: logger}
	if appConfig.PushTransport == push.KindFCM {
		messagingClient, err := firebaseApp.Messaging(ctx)
		if err != nil {
			return err
		}
		transportConfig.Sender = messagingClient
	}
	transport, err := push.NewTransport(transportConfig)
	if err != nil {
		return err
	}

	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Store:                endpointRegistry,
		Transport:            transport,
		Logger:               logger,
		Metrics:              registry,
		Clock:                time.Now,
		IDs:                  notify.NewUUIDProvider(),
		DeliveryTimeout:      appConfig.DeliveryTimeout,
		BroadcastConcurrency: appConfig.BroadcastConcurrency,
	})
	if err != nil {
		return err
	}

	queue := background.New(background.Config{
		Workers:  appConfig.DispatchWorkers,
		Capacity: appConfig.DispatchQueueSize,
		Logger:   logger,
		Metrics:  registry,
	})

	reconciler, err := reconcile.NewService(reconcile.ServiceConfig{
		Progress:    progressService,
		Leaderboard: leaderboardService,
		Notifier:    dispatcher,
		Scheduler:   queue,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:           verifier,
		Progress:           progressService,
		Leaderboard:        leaderboardService,
		Reconciler:         reconciler,
		Registry:           endpointRegistry,
		Admins:             adminDirectory,
		Metrics:            registry,
		Logger:             logger,
		AllowedOrigins:     appConfig.AllowedOrigins,
		RateLimitPerMinute: appConfig.RateLimitPerMinute,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("auth_provider", appConfig.AuthProvider),
			zap.String("push_transport", appConfig.PushTransport),
			zap.String("leaderboard_policy", string(policy)),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	// Requests are drained first so no new tasks arrive while the queue flushes.
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background queue abandoned pending tasks", zap.Error(err), zap.Int("depth", queue.Depth()))
	}
	return serveErr
}

func newFirebaseApp(ctx context.Context, appConfig config.AppConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	if appConfig.FirebaseCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(appConfig.FirebaseCredentialsFile))
	}
	return firebase.NewApp(ctx, &firebase.Config{ProjectID: appConfig.FirebaseProjectID}, opts...)
}

func newRequestVerifier(ctx context.Context, appConfig config.AppConfig, app *firebase.App) (auth.RequestVerifier, error) {
	if appConfig.AuthProvider == config.AuthProviderFirebase {
		client, err := app.Auth(ctx)
		if err != nil {
			return nil, err
		}
		return auth.NewFirebaseVerifier(client)
	}
	return auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
}
