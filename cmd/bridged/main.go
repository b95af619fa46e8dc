package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/wechat-bridge/internal/bridge"
	"github.com/tokligence/wechat-bridge/internal/config"
	"github.com/tokligence/wechat-bridge/internal/credential"
	"github.com/tokligence/wechat-bridge/internal/dispatch"
	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/health"
	"github.com/tokligence/wechat-bridge/internal/hooks"
	"github.com/tokligence/wechat-bridge/internal/httpserver"
	"github.com/tokligence/wechat-bridge/internal/ledger"
	ledgerasync "github.com/tokligence/wechat-bridge/internal/ledger/async"
	ledgerpg "github.com/tokligence/wechat-bridge/internal/ledger/postgres"
	ledgersql "github.com/tokligence/wechat-bridge/internal/ledger/sqlite"
	"github.com/tokligence/wechat-bridge/internal/logging"
	"github.com/tokligence/wechat-bridge/internal/metrics"
	"github.com/tokligence/wechat-bridge/internal/push"
	"github.com/tokligence/wechat-bridge/internal/signature"
	"github.com/tokligence/wechat-bridge/internal/snapshot"
	"github.com/tokligence/wechat-bridge/internal/snapshot/backend"
	"github.com/tokligence/wechat-bridge/internal/version"
)

func main() {
	root := flag.String("root", ".", "directory containing config/")
	flag.Parse()

	cfg, err := config.LoadBridgeConfig(*root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs.
	out := io.Writer(os.Stdout)
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, cfg.LogMaxBytes, cfg.LogBackups)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		defer rot.Close()
		out = io.MultiWriter(os.Stdout, rot)
	}
	logger := logging.New(out, "[bridged] ", logging.ParseLevel(cfg.LogLevel))
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[bridged] ")
	logger.Infof("wechat bridge %s starting env=%s service=%s", version.FullInfo(), cfg.Environment, cfg.ServiceType)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.BridgeConfig, logger *logging.Logger) error {
	ctx := context.Background()
	collector := metrics.NewCollector()

	// Credential store and its persisted snapshot.
	snap, err := backend.Open(cfg.SnapshotLocation, cfg.AppID)
	if err != nil {
		return err
	}
	defer snap.Close()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	exchanger, err := credential.NewHTTPExchanger(cfg.APIBase, httpClient)
	if err != nil {
		return err
	}
	store, err := credential.New(credential.Config{
		Exchanger:  exchanger,
		Snapshot:   snap,
		Skew:       cfg.TokenSkew,
		MaxRetries: cfg.TokenRetries,
		Logger:     logger.Named("[bridged/credential] ").Std(),
	})
	if err != nil {
		return err
	}
	id := credential.Identity{AppID: cfg.AppID, AppSecret: cfg.AppSecret}
	restored, err := store.Restore(ctx, id)
	if err != nil {
		logger.Warnf("credential snapshot unreadable: %v", err)
	}
	if !restored {
		// Startup continues without a token; inbound messages get the
		// no-credential reply until a later refresh succeeds.
		if _, err := store.Refresh(ctx, id); err != nil {
			logger.Errorf("initial access token refresh failed: %v", err)
		}
	}
	tokens := store.For(id)

	pusher, err := push.New(push.Config{
		BaseURL:     cfg.APIBase,
		HTTPClient:  httpClient,
		Tokens:      tokens,
		MaxAttempts: cfg.PushAttempts,
		Logger:      logger.Named("[bridged/push] ").Std(),
	})
	if err != nil {
		return err
	}

	ledgerStore, ledgerDB, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	if ledgerStore != nil {
		defer ledgerStore.Close()
	}

	service, ok := dispatch.ParseServiceType(cfg.ServiceType)
	if !ok {
		logger.Warnf("unknown service type %q, using %s", cfg.ServiceType, service)
	}
	adapter, err := dispatch.New(dispatch.Config{
		Endpoint: cfg.ServiceURL,
		Service:  service,
		Model:    cfg.ServiceModel,
		Timeout:  cfg.ServiceTimeout,
		Fallbacks: dispatch.Fallbacks{
			Timeout:     cfg.TimeoutText,
			Unavailable: cfg.UnavailableText,
			EmptyReply:  cfg.EmptyReplyText,
		},
		Caller:          dispatch.NewHTTPCaller(nil, cfg.ServiceHeaders),
		Pusher:          pusher,
		DispatchWorkers: cfg.DispatchWorkers,
		PushWorkers:     cfg.PushWorkers,
		QueueSize:       cfg.QueueSize,
		Ledger:          ledgerStore,
		Recorder:        collector,
		Logger:          logger.Named("[bridged/dispatch] ").Std(),
		LogLevel:        cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	defer adapter.Close()

	var codec *envelope.Codec
	if strings.TrimSpace(cfg.AESKey) != "" {
		codec, err = envelope.New(cfg.AESKey, cfg.AppID)
		if err != nil {
			return err
		}
	} else {
		logger.Warnf("wechat_aes_key not set; encrypted messages will be rejected")
	}
	verifier := signature.New(cfg.Token)
	verifier.SetLogger(logger.Named("[bridged/signature] ").Std())

	handler, err := bridge.New(bridge.Config{
		Verifier:         verifier,
		Codec:            codec,
		Credentials:      store,
		Recover:          tokens.Token,
		Dispatcher:       adapter,
		AckText:          cfg.AckText,
		NoCredentialText: cfg.NoCredentialText,
		BusyText:         cfg.BusyText,
		Recorder:         collector,
		Logger:           logger.Named("[bridged/bridge] ").Std(),
		LogLevel:         cfg.LogLevel,
	})
	if err != nil {
		return err
	}

	registerGauges(collector, store, adapter)
	checker := health.New(health.Config{
		Credentials: store,
		Databases:   healthDatabases(snap, ledgerDB),
		Queues: map[string]health.Queue{
			"dispatch_queue": queueFunc(func() int { return adapter.Stats().DispatchPending }),
			"push_queue":     queueFunc(func() int { return adapter.Stats().PushPending }),
		},
		QueueLimit: cfg.QueueSize,
	})

	httpSrv := httpserver.New(httpserver.Config{
		Bridge:   handler,
		Health:   checker,
		Metrics:  collector,
		Logger:   logger.Named("[bridged/http] ").Std(),
		LogLevel: cfg.LogLevel,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("bridge server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigs:
		logger.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("graceful shutdown failed: %v", err)
	}
	return nil
}

// openLedger selects postgres when a DSN is configured, otherwise sqlite at
// LedgerPath. Delivery hooks sit between the async writer and the database
// so scripts never run on the push path. With neither a ledger nor hooks
// configured, nothing is recorded.
func openLedger(cfg config.BridgeConfig, logger *logging.Logger) (ledger.Store, *sql.DB, error) {
	var (
		base ledger.Store
		db   *sql.DB
	)
	switch {
	case strings.TrimSpace(cfg.LedgerDSN) != "":
		pg, err := ledgerpg.New(cfg.LedgerDSN, cfg.LedgerMaxOpen, cfg.LedgerMaxIdle, cfg.LedgerLifetime)
		if err != nil {
			return nil, nil, err
		}
		base, db = pg, pg.DB()
	case strings.TrimSpace(cfg.LedgerPath) != "":
		lite, err := ledgersql.New(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		base, db = lite, lite.DB()
	}

	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		dispatcher := &hooks.Dispatcher{}
		dispatcher.Register(handler)
		base = hooks.NewLedgerTap(base, dispatcher, logger.Named("[bridged/hooks] ").Std())
		logger.Infof("delivery hooks enabled: %s", cfg.Hooks.ScriptPath)
	}
	if base == nil {
		logger.Infof("delivery ledger disabled")
		return nil, nil, nil
	}
	if !cfg.LedgerAsync {
		return base, db, nil
	}
	return ledgerasync.New(base, ledgerasync.Config{Logger: logger.Named("[bridged/ledger] ").Std()}), db, nil
}

func healthDatabases(snap snapshot.Store, ledgerDB *sql.DB) map[string]*sql.DB {
	dbs := map[string]*sql.DB{}
	if withDB, ok := snap.(interface{ DB() *sql.DB }); ok {
		dbs["snapshot_db"] = withDB.DB()
	}
	if ledgerDB != nil {
		dbs["ledger_db"] = ledgerDB
	}
	return dbs
}

func registerGauges(c *metrics.Collector, store *credential.Store, adapter *dispatch.Adapter) {
	c.RegisterGauge("credential_available", "1 when an access token is cached", func() int64 {
		if store.Available() {
			return 1
		}
		return 0
	})
	c.RegisterGauge("credential_exchanges_total", "Token endpoint round trips", func() int64 { return store.Stats().Exchanges })
	c.RegisterGauge("credential_refresh_failures_total", "Refresh cycles that ended without a token", func() int64 { return store.Stats().FailedRefreshes })
	c.RegisterGauge("dispatch_queue_pending", "Messages waiting for a dispatch worker", func() int64 { return int64(adapter.Stats().DispatchPending) })
	c.RegisterGauge("dispatch_running", "Downstream calls in progress", func() int64 { return adapter.Stats().DispatchRunning })
	c.RegisterGauge("push_queue_pending", "Replies waiting for a push worker", func() int64 { return int64(adapter.Stats().PushPending) })
	c.RegisterGauge("push_running", "Pushes in progress", func() int64 { return adapter.Stats().PushRunning })
}

type queueFunc func() int

func (f queueFunc) Pending() int { return f() }
