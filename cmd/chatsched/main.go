package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"chatsched/internal/api"
	"chatsched/internal/config"
	"chatsched/internal/connection"
	"chatsched/internal/delivery"
	"chatsched/internal/notify"
	"chatsched/internal/scheduler"
	"chatsched/internal/store"
	"chatsched/internal/transport/bridge"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "mount pprof handlers")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	cfg.Debug = cfg.Debug || *debug
	zerolog.SetGlobalLevel(cfg.Level())
	loc := cfg.Location()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db, store.WithLogger(log.Logger))

	bus := notify.New()
	sched := scheduler.New(loc, log.Logger)
	sched.Start()

	client, err := bridge.New(bridge.Config{
		URL:            cfg.Bridge.URL,
		Token:          cfg.Bridge.Token,
		RequestTimeout: cfg.Bridge.RequestTimeout,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("bridge client")
	}

	var svc *delivery.Service
	machine := connection.New(connection.Config{
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		BackoffBase:          cfg.Reconnect.BackoffBase,
		BackoffCap:           cfg.Reconnect.BackoffCap,
		SettleDelay:          cfg.Reconnect.SettleDelay,
		ResetDelay:           cfg.Reconnect.ResetDelay,
	}, client, sched, bus,
		connection.WithLogger(log.Logger),
		connection.WithFirstReady(func(ctx context.Context) {
			if _, err := svc.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("reconcile scheduled messages")
			}
		}),
	)
	client.Attach(machine)

	svc = delivery.NewService(delivery.Config{
		Location:    loc,
		SendTimeout: cfg.Delivery.SendTimeout,
		SendRate:    cfg.Delivery.SendRate,
	}, repo, sched, machine, client, bus, delivery.WithLogger(log.Logger))

	log.Info().Str("timezone", loc.String()).Str("bridge", cfg.Bridge.URL).Msg("initializing chat client")
	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.Bridge.RequestTimeout)
	if cfg.ForceFreshAuth {
		log.Warn().Msg("FORCE_FRESH_AUTH set, clearing stored credentials")
		if err := client.ResetCredentials(startCtx); err != nil {
			log.Error().Err(err).Msg("reset credentials")
		}
	}
	if err := client.Initialize(startCtx); err != nil {
		log.Error().Err(err).Msg("initialize chat client")
		machine.OnDisconnected("initialize failed: " + err.Error())
	}
	cancelStart()

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(machine, svc, bus, api.WithLogger(log.Logger), api.WithDebug(cfg.Debug)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	select {
	case <-sched.Stop().Done():
	case <-ctxTimeout.Done():
		log.Warn().Msg("timed out waiting for running deliveries")
	}
	if err := client.Destroy(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("destroy chat client")
	}
}
