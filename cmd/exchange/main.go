package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/bursa/params"
	"github.com/uhyunpark/bursa/pkg/api"
	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/engine"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
	"github.com/uhyunpark/bursa/pkg/app/core/orders"
	"github.com/uhyunpark/bursa/pkg/app/core/session"
	"github.com/uhyunpark/bursa/pkg/storage"
	"github.com/uhyunpark/bursa/pkg/util"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "", "yaml config path")
	flag.StringVar(&envPath, "env", "", ".env path (default: ./.env)")
	flag.Parse()

	cfg, err := params.Load(configPath, envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Server.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Server.LogFile, cfg.Server.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Server.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Server.LogFile, "level", cfg.Server.LogLevel)

	if cfg.Server.PyroscopeServer != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "bursa.exchange",
			ServerAddress:   cfg.Server.PyroscopeServer,
			Logger:          sugar,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			sugar.Fatalw("pyroscope_start_failed", "err", err)
		}
		defer func() { _ = profiler.Stop() }()
		sugar.Infow("profiling_enabled", "server", cfg.Server.PyroscopeServer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	led, err := openLedger(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "backend", cfg.Storage.LedgerBackend, "err", err)
	}
	defer led.Close()

	book, err := openBook(cfg)
	if err != nil {
		sugar.Fatalw("book_open_failed", "backend", cfg.Storage.BookBackend, "err", err)
	}
	defer book.Close()
	if err := book.Ping(ctx); err != nil {
		sugar.Fatalw("book_unreachable", "backend", cfg.Storage.BookBackend, "err", err)
	}

	var journal interface {
		engine.Journal
		Close() error
	} = storage.NewNopJournal()
	if cfg.Storage.JournalPath != "" {
		fj, err := storage.NewFileJournal(cfg.Storage.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Storage.JournalPath, "err", err)
		}
		journal = fj
	}
	defer journal.Close()

	sugar.Infow("storage_ready",
		"ledger", cfg.Storage.LedgerBackend,
		"book", cfg.Storage.BookBackend,
		"journal", cfg.Storage.JournalPath)

	// ---- Core ----
	registry := market.NewRegistry()
	state := session.NewState(core.SessionClosed)
	hub := api.NewHub(sugar.Named("ws"))

	eng, err := engine.New(engine.Options{
		Config:   cfg.Engine,
		Book:     book,
		Ledger:   led,
		Registry: registry,
		Phase:    state,
		Notifier: hub,
		Journal:  journal,
		Health:   led,
		Logger:   sugar.Named("engine"),
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	defer eng.Close()

	sessions, err := session.NewManager(session.Options{
		Timers:           cfg.Session.Timers,
		DefaultPrevClose: cfg.Session.DefaultPrevClose,
		OpTimeout:        cfg.Engine.SweepTimeout,
		Ledger:           led,
		Book:             book,
		Registry:         registry,
		Engine:           eng,
		State:            state,
		Logger:           sugar.Named("session"),
	})
	if err != nil {
		sugar.Fatalw("session_init_failed", "err", err)
	}
	defer sessions.Stop()
	if err := sessions.Start(ctx); err != nil {
		sugar.Fatalw("session_start_failed", "err", err)
	}
	eng.Start()

	svc, err := orders.NewService(orders.Options{
		Ledger:   led,
		Book:     book,
		Registry: registry,
		Engine:   eng,
		Phase:    state,
		Logger:   sugar.Named("orders"),
	})
	if err != nil {
		sugar.Fatalw("order_service_init_failed", "err", err)
	}

	// ---- API ----
	srv, err := api.NewServer(api.Options{
		Orders:      svc,
		Queries:     led,
		Engine:      eng,
		Sessions:    sessions,
		Registry:    registry,
		Hub:         hub,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      sugar.Named("api"),
	})
	if err != nil {
		sugar.Fatalw("api_init_failed", "err", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx, cfg.Server.Addr) }()

	sugar.Infow("exchange_started",
		"addr", cfg.Server.Addr,
		"instruments", registry.Count(),
		"session", sessions.Status())

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Infow("exchange_stopped", "stats", eng.GetStats())
}

func openLedger(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) (ledger.Ledger, error) {
	st := cfg.Storage
	if st.LedgerBackend == "memory" {
		m := ledger.NewMemory()
		seedDemo(m, cfg.Session.DefaultPrevClose)
		sugar.Warnw("memory_ledger", "note", "state is lost on restart")
		return m, nil
	}

	pg, err := storage.OpenPostgres(storage.PostgresOption{
		Host:             st.DBHost,
		Port:             st.DBPort,
		User:             st.DBUser,
		Password:         st.DBPassword,
		Database:         st.DBName,
		SSLMode:          st.DBSSLMode,
		ConnString:       st.DatabaseURL,
		MaxConns:         st.DBMaxConns,
		StatementTimeout: st.DBStatementTimeout,
		Logger:           sugar.Named("postgres"),
	})
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pg.Migrate(mctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func openBook(cfg params.Config) (orderbook.Store, error) {
	st := cfg.Storage
	switch st.BookBackend {
	case "redis":
		return storage.NewRedisBook(storage.RedisOption{
			Addr:     st.RedisAddr,
			Password: st.RedisPassword,
			DB:       st.RedisDB,
		}), nil
	case "pebble":
		return storage.NewPebbleBook(st.PebblePath)
	default:
		return orderbook.NewMemoryStore(), nil
	}
}

// seedDemo lists a few instruments and funds two demo accounts so a memory
// ledger is usable without a database
func seedDemo(m *ledger.Memory, prevClose int64) {
	for i, sym := range []string{"BBCA", "BBRI", "TLKM", "GOTO"} {
		id := int64(i + 1)
		m.AddStock(ledger.Stock{ID: id, Symbol: sym, Name: sym, Active: true})
		m.SetLastClose(id, prevClose)
		m.SetHolding("demo-seller", id, 10_000, decimal.NewFromInt(prevClose))
	}
	m.Deposit("demo-buyer", 10_000_000_000)
	m.Deposit("demo-seller", 0)
}
