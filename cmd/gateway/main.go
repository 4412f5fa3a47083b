package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/gateway"
	"whatsapp-gateway/internal/httpapi"
	"whatsapp-gateway/internal/inbound"
	"whatsapp-gateway/internal/infra/cache"
	"whatsapp-gateway/internal/infra/controlplane"
	"whatsapp-gateway/internal/infra/database"
	"whatsapp-gateway/internal/infra/qr"
	"whatsapp-gateway/internal/infra/queue"
	"whatsapp-gateway/internal/infra/whatsmeowsocket"
	"whatsapp-gateway/internal/janitor"
	"whatsapp-gateway/internal/outbound"
	"whatsapp-gateway/internal/sender"
	"whatsapp-gateway/internal/session"
	"whatsapp-gateway/pkg/logger"

	"net/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)

	dsn := cfg.DatabaseURL()

	db, err := database.NewConnection(cfg.Database, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	waContainer, err := whatsmeowsocket.NewContainer(dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize whatsmeow store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	cp := controlplane.New(controlplane.Options{
		BaseURL:             cfg.ControlPlane.BaseURL,
		RequestTimeout:      cfg.ControlPlane.RequestTimeout,
		MaxIdleConns:        cfg.ControlPlane.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ControlPlane.MaxIdleConnsPerHost,
		Retries:             cfg.ControlPlane.DirectPostRetries,
		BackoffBase:         cfg.ControlPlane.DirectPostBackoffBase,
		BackoffJitter:       cfg.ControlPlane.DirectPostBackoffJitter,
	})

	localCache := cache.NewLocal(cfg.Cache.LocalTTL)
	sharedCache := cache.NewShared(rdb, cache.Config{
		QRTTL:            cfg.Cache.SharedQRTTL,
		StatusTTL:        cfg.Cache.SharedStatusTTL,
		ConnectionTTL:    cfg.Cache.SharedConnectionTTL,
		SessionInfoTTL:   cfg.Cache.SharedSessionInfoTTL,
		LifecycleRingCap: cfg.Cache.LifecycleRingCap,
	})

	store := session.NewStore(cfg.Session.AuthRoot, cfg.Session.MaxSessions)

	batcher := outbound.New(outbound.Config{
		BatchSize:               cfg.Batcher.BatchSize,
		QRFlushInterval:         cfg.Batcher.QRFlushInterval,
		StatusFlushInterval:     cfg.Batcher.StatusFlushInterval,
		MinQRFlushGap:           cfg.Batcher.MinQRFlushGap,
		MinHighStatusFlushGap:   cfg.Batcher.MinHighStatusFlushGap,
		MinNormalStatusFlushGap: cfg.Batcher.MinNormalStatusFlushGap,
		CircuitFailureThreshold: cfg.Batcher.CircuitFailureThreshold,
		CircuitResetTimeout:     cfg.Batcher.CircuitResetTimeout,
	}, cp)
	batcher.Start()

	// gw is built incrementally: the session core needs a SessionControl /
	// TokenResolver the facade itself implements, so the facade is
	// constructed last and wired back into the pieces built first via the
	// capability interfaces each package already exposes.
	gw := &gatewayHolder{}

	stateManager := session.NewStateManager(localCache, sharedCache, cp, batcher,
		func(sessionID string) (string, bool) {
			rec, ok := store.Get(sessionID)
			if !ok || rec.WebhookToken == "" {
				return "", false
			}
			return rec.WebhookToken, true
		},
		cfg.Cache.ConsecutiveMissThreshold, cfg.Cache.InactivityGrace)

	qrController := session.NewQrController(session.QrConfig{
		MaxQR:      cfg.QR.MaxQR,
		ThrottleMS: cfg.QR.ThrottleMS,
		ExpiresMS:  cfg.QR.ExpiresMS,
	}, sharedCache, stateManager, batcher)
	if cfg.QR.TerminalDebug {
		qrController.EnableTerminalDebug(qr.NewGenerator())
	}

	connManager := session.NewConnectionManager(session.ReconnectConfig{
		FastAttempts:          cfg.Reconnect.FastAttempts,
		FastBackoffBase:       cfg.Reconnect.FastBackoffBase,
		FastBackoffMax:        cfg.Reconnect.FastBackoffMax,
		ResilienceSchedule:    cfg.Reconnect.ResilienceSchedule,
		ResilienceMaxDuration: cfg.Reconnect.ResilienceMaxDuration,
	}, gw, qrController, stateManager)

	store.AttachQrClearer(qrController)
	store.AttachReconnectCanceller(connManager)

	inboundQueue := queue.New(db)
	if err := inboundQueue.EnsureSchema(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure inbound queue schema")
	}

	if err := os.MkdirAll(cfg.Inbound.AudioDir, 0o750); err != nil {
		logger.Warn().Err(err).Msg("failed to create audio directory")
	}

	lidResolver := inbound.NewLidResolver(cfg.Session.AuthRoot)
	receiver := inbound.New(inbound.Config{
		Concurrency:       cfg.Inbound.MaxConcurrentMessages,
		MaxAttempts:       cfg.Inbound.MaxAttempts,
		JobTimeout:        cfg.Inbound.JobTimeout,
		HistorySyncWindow: cfg.Inbound.HistorySyncWindow,
		AudioDir:          cfg.Inbound.AudioDir,
	}, inboundQueue, cp, lidResolver, gw)
	receiver.Start()

	msgSender := sender.New(sender.Config{
		PerAttemptTimeout: cfg.Sender.PerAttemptTimeout,
		DefaultRetries:    cfg.Sender.DefaultRetries,
		RetryIncrement:    cfg.Sender.RetryIncrement,
	}, store)

	janitorSuite := janitor.New(janitor.Config{
		DeadSessionInterval:  cfg.Janitor.DeadSessionInterval,
		PendingSweepInterval: cfg.Janitor.PendingSweepInterval,
		PendingTimeout:       cfg.Janitor.PendingTimeout,
		HeartbeatInterval:    cfg.Janitor.HeartbeatInterval,
		InactivityThreshold:  cfg.Janitor.InactivityThreshold,
		QueueJanitorInterval: cfg.Janitor.QueueJanitorInterval,
		QueueRetention:       cfg.Janitor.QueueRetention,
		AudioJanitorInterval: cfg.Inbound.AudioJanitorInterval,
		AudioMaxAge:          cfg.Inbound.AudioMaxAge,
		AudioDir:             cfg.Inbound.AudioDir,
		IdleSweepInterval:    cfg.Session.IdleSweepInterval,
		IdleTTL:              cfg.Session.IdleTTL,
	}, store, stateManager, connManager, inboundQueue)
	janitorSuite.Start()

	socketFactory := whatsmeowsocket.NewFactory(waContainer, cfg.Session.AuthRoot)

	manager := gateway.New(gateway.Deps{
		Store: store, Qr: qrController, Conn: connManager, State: stateManager,
		Batcher: batcher, Receiver: receiver, Janitors: janitorSuite, Sender: msgSender,
		CP: cp, Sockets: socketFactory,
	})
	gw.manager = manager

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := manager.RestoreOnBoot(bootCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore sessions on boot")
	}
	bootCancel()

	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      httpapi.NewRouter(manager),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	manager.Shutdown(ctx)

	logger.Info().Msg("gateway exited")
}

// gatewayHolder breaks the construction-order cycle between the session
// core (which needs a SessionControl/TokenResolver) and the facade (which
// needs the session core already built): it forwards every call to the
// facade set into it moments later, once the facade itself exists.
type gatewayHolder struct {
	manager *gateway.Manager
}

func (g *gatewayHolder) Start(ctx context.Context, sessionID string) error {
	return g.manager.Start(ctx, sessionID)
}

func (g *gatewayHolder) Remove(ctx context.Context, sessionID string, preserveAuth bool) error {
	return g.manager.Remove(ctx, sessionID, preserveAuth)
}

func (g *gatewayHolder) WebhookToken(ctx context.Context, sessionID string) (string, error) {
	return g.manager.WebhookToken(ctx, sessionID)
}
