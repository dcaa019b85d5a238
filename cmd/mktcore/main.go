package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_mktcore/internal/admin"
	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/internal/feed"
	"github.com/Aidin1998/pincex_mktcore/internal/infrastructure/config"
	"github.com/Aidin1998/pincex_mktcore/internal/marketdata"
	"github.com/Aidin1998/pincex_mktcore/internal/risk"
	"github.com/Aidin1998/pincex_mktcore/pkg/logger"
)

func main() {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	configPath := flag.String("config", defaultConfigPath(), "path to the engine configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	zapLogger, err := logger.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	zapLogger.Info("starting market core engine",
		zap.String("config", *configPath),
		zap.String("mode", cfg.Engine.Mode))

	books, err := buildBooks(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to build order books", zap.Error(err))
	}

	limits, err := cfg.Engine.RiskLimits()
	if err != nil {
		zapLogger.Fatal("failed to parse risk limits", zap.Error(err))
	}
	mgr := risk.NewManager(limits, zapLogger)

	for i := range cfg.Engine.Books {
		bc := &cfg.Engine.Books[i]
		inst, err := bc.Instrument()
		if err != nil {
			zapLogger.Fatal("failed to materialize instrument", zap.Error(err))
		}
		var valuation *book.OrderBook
		if bc.Valuation {
			valuation = books[inst.Key()]
		}
		if err := mgr.Register(&inst, valuation); err != nil {
			zapLogger.Fatal("failed to register instrument",
				zap.String("instrument", inst.Key()), zap.Error(err))
		}
	}
	if err := installValuators(cfg, mgr, books); err != nil {
		zapLogger.Fatal("failed to install valuators", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := marketdata.NewHub(zapLogger)
	go hub.Run(ctx)
	distributor := marketdata.NewDistributor(hub, zapLogger)
	for _, b := range books {
		distributor.Attach(b)
	}

	if err := mgr.Start(cfg.Engine.StartMode()); err != nil {
		zapLogger.Fatal("failed to start risk manager", zap.Error(err))
	}

	if cfg.Engine.Replay.Enabled {
		driver := feed.NewDriver(cfg.Engine.Replay.Seed, cfg.Engine.Replay.Interval, mgr, zapLogger)
		for i := range cfg.Engine.Books {
			inst, _ := cfg.Engine.Books[i].Instrument()
			b := books[inst.Key()]
			mid := cfg.Engine.Books[i].TickSize * 20000
			if mid <= 0 {
				mid = 100
			}
			driver.Add(b, mid)
		}
		go driver.Run(ctx)
		zapLogger.Info("replay feed started",
			zap.Int64("seed", cfg.Engine.Replay.Seed),
			zap.Duration("interval", cfg.Engine.Replay.Interval))
	}

	adminServer := admin.NewServer(zapLogger, mgr, books, hub)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: adminServer.Router(),
	}
	go func() {
		zapLogger.Info("admin server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("admin server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("admin server shutdown failed", zap.Error(err))
	}

	mgr.OutputPositions(time.Now())
	zapLogger.Info("engine exited properly")
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func buildBooks(cfg *config.Config, log *zap.Logger) (map[string]*book.OrderBook, error) {
	books := make(map[string]*book.OrderBook, len(cfg.Engine.Books))
	for i := range cfg.Engine.Books {
		bc := &cfg.Engine.Books[i]
		bookCfg, err := bc.Book()
		if err != nil {
			return nil, err
		}
		b, err := book.New(bookCfg, log)
		if err != nil {
			return nil, fmt.Errorf("book %s:%s: %w", bc.Venue, bc.Symbol, err)
		}
		key := bookCfg.Instrument.Key()
		if _, dup := books[key]; dup {
			return nil, fmt.Errorf("duplicate book %s", key)
		}
		books[key] = b
		log.Info("order book created",
			zap.String("instrument", key),
			zap.String("mode", bc.Mode),
			zap.Bool("tracking", bc.OrderTracking))
	}
	return books, nil
}

func installValuators(cfg *config.Config, mgr *risk.Manager, books map[string]*book.OrderBook) error {
	for _, vs := range cfg.Engine.Valuators {
		settle := vs.SettleDate
		if settle == "" {
			settle = "SPOT"
		}
		var v risk.Valuator
		switch {
		case vs.FixedRate != "":
			rate, err := decimal.NewFromString(vs.FixedRate)
			if err != nil {
				return fmt.Errorf("valuator %s: bad fixed_rate %q", vs.Asset, vs.FixedRate)
			}
			v = risk.FixedRate{R: rate}
		case vs.PegBook != "":
			b, ok := books[vs.PegBook]
			if !ok {
				return fmt.Errorf("valuator %s: unknown peg_book %q", vs.Asset, vs.PegBook)
			}
			bv := risk.BookValuator{Book: b, Invert: vs.Invert}
			if vs.Adjust != "" {
				adj, err := decimal.NewFromString(vs.Adjust)
				if err != nil {
					return fmt.Errorf("valuator %s: bad adjust %q", vs.Asset, vs.Adjust)
				}
				bv.Adjust = adj
			}
			v = bv
		default:
			return fmt.Errorf("valuator %s: needs fixed_rate or peg_book", vs.Asset)
		}
		if err := mgr.InstallValuator(vs.Asset, settle, v); err != nil {
			return err
		}
	}
	return nil
}
