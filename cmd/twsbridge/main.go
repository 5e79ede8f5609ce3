package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tws-bridge/config"
	"tws-bridge/internal/api"
	"tws-bridge/internal/core"
	"tws-bridge/internal/gateway"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/metrics"
	"tws-bridge/internal/notification"
	boltstore "tws-bridge/internal/store/bolt"
	redisstore "tws-bridge/internal/store/redis"
	sqlitestore "tws-bridge/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("TWS_BRIDGE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logger.Init("tws-bridge", logger.ParseLevel(cfg.Logging.Level))
	log.Info("starting",
		"gateway", cfg.Gateway.Host, "port", cfg.Gateway.Port, "client_id", cfg.Gateway.ClientID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.NewMetrics(nil)
	opts := core.Options{
		Metrics: m,
		Probes:  make(map[string]func(context.Context) error),
	}

	// ---- Stores ----
	var journal *sqlitestore.Journal
	if cfg.Store.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			log.Error("create journal dir", "err", err)
			os.Exit(1)
		}
		journal, err = sqlitestore.Open(cfg.Store.SQLitePath, log)
		if err != nil {
			log.Error("open journal", "path", cfg.Store.SQLitePath, "err", err)
			os.Exit(1)
		}
		opts.Journal = journal
		opts.Probes["sqlite"] = journal.Ping
	}

	var breakers *boltstore.Store
	if cfg.Store.BoltPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.BoltPath), 0o755); err != nil {
			log.Error("create breaker store dir", "err", err)
			os.Exit(1)
		}
		breakers, err = boltstore.Open(cfg.Store.BoltPath)
		if err != nil {
			log.Error("open breaker store", "path", cfg.Store.BoltPath, "err", err)
			os.Exit(1)
		}
		opts.Breakers = breakers
	}

	var pub *redisstore.Publisher
	outboxDone := make(chan struct{})
	if cfg.Store.RedisAddr != "" {
		pub, err = redisstore.New(redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, order mirror disabled", "err", err)
		} else {
			outbox := redisstore.NewOutbox(pub, 3, 10*time.Second, 10000, log)
			outbox.OnStateChange = func(from, to redisstore.State) {
				log.Warn("redis circuit", "from", from.String(), "to", to.String())
			}
			go func() {
				defer close(outboxDone)
				outbox.Run(ctx)
			}()
			opts.Mirror = outbox
			opts.Probes["redis"] = pub.Ping
		}
	}

	// ---- Alerts ----
	sinks := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.Notify.WebhookURL, "tws-bridge", log))
	}
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID, log))
	}
	alerts := notification.NewAsync(sinks, 64, log)
	alertsDone := make(chan struct{})
	go func() {
		defer close(alertsDone)
		alerts.Run(ctx)
	}()
	opts.Notifier = alerts

	// ---- Stream hub ----
	hub := gateway.NewHub(1000, log)
	hub.OnClients = func(n int) { m.WSClients.Set(float64(n)) }
	hub.OnDrop = func() { m.WSDropped.Inc() }
	opts.Hub = hub

	// ---- Bridge ----
	bridge := core.New(*cfg, opts, log)
	startCtx, startCancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutdown requested during connect")
			startCancel()
			cancel()
		case <-startCtx.Done():
		}
	}()
	err = bridge.Start(startCtx)
	startCancel()
	if err != nil {
		log.Error("bridge start failed", "err", err)
		closeStores(log, journal, breakers, pub)
		os.Exit(1)
	}
	if pub != nil {
		go pub.RunStatus(ctx, 5*time.Second, func() any { return bridge.Status() })
	}

	// ---- HTTP ----
	metricsSrv := metrics.NewServer(cfg.Server.MetricsAddr, nil, bridge.Health(), log)
	metricsSrv.Start()

	router := api.NewRouter(bridge, cfg.Server.ResetTOTPSecret, log)
	hub.Register(router)
	apiSrv := &http.Server{
		Addr:              cfg.Server.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("api listening", "addr", cfg.Server.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "err", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Info("shutdown signal received, cleaning up")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", "err", err)
	}
	hub.Close()
	bridge.Close()
	cancel()
	<-alertsDone
	if opts.Mirror != nil {
		<-outboxDone
	}
	metricsSrv.Stop(shutdownCtx)
	closeStores(log, journal, breakers, pub)

	log.Info("shutdown complete")
}

func closeStores(log *slog.Logger, journal *sqlitestore.Journal, breakers *boltstore.Store, pub *redisstore.Publisher) {
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn("close journal", "err", err)
		}
	}
	if breakers != nil {
		if err := breakers.Close(); err != nil {
			log.Warn("close breaker store", "err", err)
		}
	}
	if pub != nil {
		pub.Close()
	}
}
