package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/backfill"
	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/listener"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/reconcile"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"github.com/MarcoPoloResearchLab/courier/internal/seed"
	"github.com/MarcoPoloResearchLab/courier/internal/server"
	"github.com/MarcoPoloResearchLab/courier/internal/source"
	"github.com/MarcoPoloResearchLab/courier/internal/taskqueue"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openBlobStore(signalCtx, appConfig.Blob)
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	engine, cleanup, err := buildEngine(signalCtx, appConfig, db, store, dispatcher, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := engine.Start(signalCtx); err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:        engine,
		TokenManager:  tokenManager,
		Realtime:      dispatcher,
		Media:         store,
		PresignExpiry: appConfig.Blob.PresignExpiry,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if appConfig.SeedFile != "" {
		group.Go(func() error {
			return runSeed(groupCtx, appConfig.SeedFile, engine, logger)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		engineErr := engine.Close(shutdownCtx)
		return errors.Join(httpErr, engineErr)
	})

	return group.Wait()
}

// runSeed applies the seed file once and then again on every change.
func runSeed(ctx context.Context, path string, engine *reconcile.Reconciler, logger *zap.Logger) error {
	file, err := seed.Load(path)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, engine, file, logger); err != nil {
		logger.Warn("seed applied with errors", zap.Error(err))
	}
	return seed.Watch(ctx, seed.WatchConfig{Path: path, Logger: logger}, func(file seed.File) {
		if err := seed.Apply(ctx, engine, file, logger); err != nil {
			logger.Warn("seed applied with errors", zap.Error(err))
		}
	})
}

func buildEngine(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, store media.BlobStore, observer reconcile.Observer, logger *zap.Logger) (*reconcile.Reconciler, func(), error) {
	var closers []func() error
	cleanup := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			if err := closers[index](); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}
	fail := func(err error) (*reconcile.Reconciler, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	syncConfig := appConfig.Sync
	policy := retry.Policy{
		Attempts:  syncConfig.RetryAttempts,
		BaseDelay: syncConfig.RetryBaseDelay,
		MaxDelay:  syncConfig.RetryMaxDelay,
	}

	registry, err := channels.NewRegistry(channels.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return fail(err)
	}

	var window messages.RecencyWindow = messages.NewMemoryWindow(nil)
	if appConfig.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.Redis.Address,
			Password: appConfig.Redis.Password,
			DB:       appConfig.Redis.DB,
		})
		closers = append(closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		window = messages.NewRedisWindow(client)
	}
	deduplicator, err := messages.NewDeduplicator(messages.DeduplicatorConfig{
		Ledger:            messages.NewGormLedger(db, nil),
		Window:            window,
		FingerprintWindow: syncConfig.FingerprintWindow,
		Logger:            logger,
	})
	if err != nil {
		return fail(err)
	}

	feed, err := source.NewHTTPFeed(source.HTTPFeedConfig{
		BaseURL:   appConfig.Source.BaseURL,
		StreamURL: appConfig.Source.StreamURL,
		Token:     appConfig.Source.Token,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	scanner, err := backfill.NewScanner(backfill.Config{
		Feed:        feed,
		PageSize:    syncConfig.PageSize,
		Retry:       policy,
		CallTimeout: syncConfig.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}
	listeners, err := listener.NewManager(listener.Config{
		Feed:             feed,
		FailureThreshold: syncConfig.FailureThreshold,
		Reconnect:        policy,
		StableAfter:      syncConfig.StableAfter,
		Logger:           logger,
	})
	if err != nil {
		return fail(err)
	}

	staging, err := media.NewGormStaging(db)
	if err != nil {
		return fail(err)
	}
	offloader, err := media.NewOffloader(media.OffloaderConfig{
		Store:   store,
		Staging: staging,
		Retry:   policy,
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}

	index, err := search.OpenIndex(appConfig.IndexDSN, db, nil)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, index.Close)

	queue, err := openQueue(appConfig.Queue, policy, logger)
	if err != nil {
		return fail(err)
	}

	engine, err := reconcile.New(reconcile.Config{
		Registry:          registry,
		Deduplicator:      deduplicator,
		Scanner:           scanner,
		Listeners:         listeners,
		Offloader:         offloader,
		Index:             index,
		Queue:             queue,
		Observer:          observer,
		GapAssumeAfter:    syncConfig.GapAssumeAfter,
		CommitTimeout:     syncConfig.CommitTimeout,
		CallTimeout:       syncConfig.CallTimeout,
		StorageRetry:      policy,
		CommitConcurrency: syncConfig.CommitWorkers,
		Logger:            logger,
	})
	if err != nil {
		return fail(err)
	}
	return engine, cleanup, nil
}

func openBlobStore(ctx context.Context, blob config.BlobConfig) (media.BlobStore, error) {
	if blob.Backend == config.BlobBackendMinio {
		return media.NewMinioStore(ctx, media.MinioConfig{
			Endpoint:  blob.MinioEndpoint,
			AccessKey: blob.MinioAccessKey,
			SecretKey: blob.MinioSecretKey,
			Bucket:    blob.MinioBucket,
			Secure:    blob.MinioSecure,
		})
	}
	return media.NewFileStore(blob.Root)
}

func openQueue(queue config.QueueConfig, policy retry.Policy, logger *zap.Logger) (taskqueue.Queue, error) {
	if queue.Backend == config.QueueBackendNSQ {
		return taskqueue.NewNSQQueue(taskqueue.NSQConfig{
			NSQDAddress:      queue.NSQDAddress,
			LookupdAddresses: queue.LookupdAddresses,
			TopicPrefix:      queue.TopicPrefix,
			Channel:          queue.Channel,
			Concurrency:      queue.Concurrency,
			Retry:            policy,
			HandleTimeout:    queue.HandleTimeout,
			Logger:           logger,
		})
	}
	return taskqueue.NewMemoryQueue(taskqueue.MemoryConfig{
		Workers:       queue.Concurrency,
		Retry:         policy,
		HandleTimeout: queue.HandleTimeout,
		Logger:        logger,
	}), nil
}
