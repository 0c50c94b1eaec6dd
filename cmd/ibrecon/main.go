// Package main is the entry point for the ibrecon gateway reconciler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/alerting"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/ibkr"
	"github.com/tathienbao/ibrecon/internal/broker/paper"
	"github.com/tathienbao/ibrecon/internal/config"
	"github.com/tathienbao/ibrecon/internal/engine"
	"github.com/tathienbao/ibrecon/internal/feed"
	"github.com/tathienbao/ibrecon/internal/metrics"
	"github.com/tathienbao/ibrecon/internal/persistence"
	"github.com/tathienbao/ibrecon/internal/ui"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	shutdownTimeout      = 15 * time.Second
	maxHealthyQueueDepth = 200
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "symbol":
		cmdSymbol(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ibrecon - TWS/IB Gateway session reconciler

Usage:
  ibrecon <command> [options]

Commands:
  run        Connect to the gateway and reconcile session state
  validate   Validate configuration file
  symbol     Print the synthesized symbol for a contract
  version    Show version information
  help       Show this help message

Examples:
  ibrecon run --config config.yaml
  ibrecon run --config config.yaml --paper
  ibrecon validate --config config.yaml
  ibrecon symbol --type FUT --symbol ES --expiry 201609

Use "ibrecon <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("ibrecon version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Gateway: %s %s:%d (client %d)\n", cfg.Gateway.Type, cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.ClientID)
	fmt.Printf("  Throttle: %.0f req/s, burst %d\n", cfg.Throttle.MaxRequestsPerSecond, cfg.Throttle.Burst)
	fmt.Printf("  Reconnect: %v (initial %s, max %s)\n", cfg.Reconnect.Enabled, cfg.ReconnectInitial(), cfg.ReconnectMax())
	fmt.Printf("  Persistence: %s\n", cfg.Persistence.Type)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: :%d%s (feed %s)\n", cfg.Metrics.Port, cfg.Metrics.Path, cfg.Metrics.FeedPath)
	}
	if cfg.Alerting.Enabled {
		fmt.Printf("  Alert channels: %d\n", len(cfg.Alerting.Channels))
	}
}

func cmdSymbol(args []string) {
	fs := flag.NewFlagSet("symbol", flag.ExitOnError)
	secType := fs.String("type", "STK", "Security type: STK, FUT, OPT, FOP, CASH, IND, BAG")
	symbol := fs.String("symbol", "", "Underlying symbol (required)")
	expiry := fs.String("expiry", "", "Expiry YYYYMM or YYYYMMDD")
	strike := fs.String("strike", "", "Option strike")
	right := fs.String("right", "", "Option right: C or P")
	exchange := fs.String("exchange", "", "Exchange")
	currency := fs.String("currency", "USD", "Currency")
	_ = fs.Parse(args)

	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: --symbol is required")
		fs.Usage()
		os.Exit(1)
	}

	c := broker.Contract{
		Symbol:   *symbol,
		SecType:  strings.ToUpper(*secType),
		Exchange: *exchange,
		Currency: *currency,
		Expiry:   *expiry,
		Right:    *right,
	}
	if *strike != "" {
		v, err := decimal.NewFromString(*strike)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid strike %q: %v\n", *strike, err)
			os.Exit(1)
		}
		c.Strike = v
	}
	if err := c.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(broker.ContractString(c))
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// stores bundles the order-id cache with the optional execution journal.
type stores struct {
	ids     persistence.OrderIDStore
	journal persistence.ExecutionJournal
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	switch cfg.Persistence.Type {
	case "sqlite":
		s, err := persistence.NewSQLiteStore(cfg.Persistence.Path)
		if err != nil {
			return stores{}, fmt.Errorf("open sqlite store: %w", err)
		}
		return stores{ids: s, journal: s}, nil
	case "redis":
		s, err := persistence.NewRedisStore(ctx, cfg.Persistence.RedisURL, cfg.Persistence.KeyPrefix)
		if err != nil {
			return stores{}, fmt.Errorf("open redis store: %w", err)
		}
		return stores{ids: s}, nil
	default:
		s := persistence.NewMemoryStore()
		return stores{ids: s, journal: s}, nil
	}
}

func newSession(cfg *config.Config, paperMode bool, logger *slog.Logger) (broker.Session, *paper.Session) {
	if paperMode || cfg.Gateway.Type == "paper" {
		sim := paper.NewSession(cfg.PaperConfig(), logger)
		return sim, sim
	}
	return ibkr.NewClient(cfg.IBKRConfig(), logger), nil
}

// startWalks drives the configured simulated price series.
func startWalks(ctx context.Context, sim *paper.Session, walks []config.WalkConfig, logger *slog.Logger) {
	for _, w := range walks {
		logger.Info("starting simulated prices", "symbol", w.Symbol, "start", w.Start, "interval", w.Interval().String())
		go sim.RandomWalk(ctx, w.Symbol,
			decimal.NewFromFloat(w.Start), decimal.NewFromFloat(w.Tick), w.Interval(), w.Seed)
	}
}

func newAlerter(cfg *config.Config, logger *slog.Logger) *alerting.MultiAlerter {
	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
				BaseURL:  ch.BaseURL,
			}))
		default:
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		}
	}
	if multi.Len() == 0 {
		multi.AddAlerter(alerting.NewConsoleAlerter(logger))
	}
	return multi
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	paperMode := fs.Bool("paper", false, "Use the simulated gateway")
	dashboard := fs.Bool("dashboard", false, "Draw a live session view on stdout (logs go to stderr)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logOut := io.Writer(os.Stdout)
	if *dashboard {
		if !ui.IsTerminal() {
			fmt.Fprintln(os.Stderr, "Error: --dashboard needs a terminal on stdout")
			os.Exit(1)
		}
		logOut = os.Stderr
	}
	logger := newLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)

	if err := run(cfg, *paperMode, *dashboard, logger); err != nil {
		logger.Error("ibrecon failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, paperMode, dashboard bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := cfg.Gateway.Type
	if paperMode {
		mode = "paper"
	}
	logger.Info("ibrecon starting",
		"version", Version,
		"mode", mode,
		"host", cfg.Gateway.Host,
		"port", cfg.Gateway.Port,
		"client_id", cfg.Gateway.ClientID,
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.ids.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	}()

	session, sim := newSession(cfg, paperMode, logger)
	eng := engine.New(cfg.EngineConfig(), session, st.ids, logger)

	var unsubscribe []func()
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// drains tracks the queue-draining observers shutdown waits for.
	var drains sync.WaitGroup
	if st.journal != nil {
		journal := persistence.NewJournalObserver(st.journal, persistence.DefaultJournalConfig(), logger)
		unsubscribe = append(unsubscribe, eng.OnEvent(journal))
		drains.Add(1)
		go func() {
			defer drains.Done()
			journal.Run(bgCtx)
		}()
	}

	var alerts *alerting.Observer
	var alerter *alerting.MultiAlerter
	if cfg.Alerting.Enabled {
		alerter = newAlerter(cfg, logger)
		alerts = alerting.NewObserver(alerter, alerting.ObserverConfig{Events: cfg.AlertEvents()}, logger)
		drains.Add(1)
		go func() {
			defer drains.Done()
			alerts.Run(bgCtx)
		}()
		unsubscribe = append(unsubscribe, eng.OnEvent(alerts))
	}

	if dashboard {
		view := ui.NewDashboard(os.Stdout)
		unsubscribe = append(unsubscribe, eng.OnEvent(view))
		go view.Run(bgCtx, 500*time.Millisecond)
	}

	var server *metrics.Server
	if cfg.Metrics.Enabled {
		srvCfg := cfg.MetricsServerConfig()
		server = metrics.NewServer(srvCfg, logger)
		server.RegisterHealthCheck("gateway", metrics.GatewayCheck(eng))
		server.RegisterHealthCheck("outbound_queue", metrics.QueueCheck(eng, maxHealthyQueueDepth))
		server.RegisterReadinessCheck("gateway", metrics.GatewayCheck(eng))
		if srvCfg.FeedPath != "" {
			hub := feed.NewHub(feed.DefaultConfig(), logger)
			go hub.Run(bgCtx)
			server.Handle(srvCfg.FeedPath, hub)
			unsubscribe = append(unsubscribe, eng.OnEvent(hub))
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		if server != nil {
			_ = server.Shutdown(context.Background())
		}
		return fmt.Errorf("start engine: %w", err)
	}
	if sim != nil {
		startWalks(bgCtx, sim, cfg.Paper.Walks, logger)
	}
	if alerts != nil {
		alerts.Notify(alerting.EventSessionStarted, "Session started", "mode", mode, "client_id", cfg.Gateway.ClientID)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return shutdown(shutdownCtx, eng, server, alerts, alerter, cancelBg, &drains, logger)
}

func shutdown(
	ctx context.Context,
	eng *engine.Engine,
	server *metrics.Server,
	alerts *alerting.Observer,
	alerter alerting.Alerter,
	stopBackground context.CancelFunc,
	drains *sync.WaitGroup,
	logger *slog.Logger,
) error {
	logger.Info("starting graceful shutdown")

	var errs []error
	if err := eng.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}

	if alerts != nil {
		alerts.Notify(alerting.EventSessionStopped, "Session stopped")
	}
	// Stops the feed hub and flushes queued alerts and executions.
	stopBackground()

	drained := make(chan struct{})
	go func() {
		drains.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("flush alerts and journal: %w", ctx.Err()))
	}

	if alerts != nil && alerts.Enabled(alerting.EventSessionSummary) {
		if err := alerting.SendSummary(ctx, alerter, alerts.Summary().Summary(time.Now())); err != nil {
			errs = append(errs, fmt.Errorf("send session summary: %w", err))
		}
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	logger.Info("ibrecon shutdown complete")
	return errors.Join(errs...)
}
