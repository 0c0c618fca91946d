package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"forex-trading-bot/internal/broker/brokerobs"
	"forex-trading-bot/internal/broker/kite"
	"forex-trading-bot/internal/broker/paper"
	"forex-trading-bot/internal/engine"
	"forex-trading-bot/internal/engine/engineobs"
	"forex-trading-bot/internal/eod"
	"forex-trading-bot/internal/eod/eodobs"
	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/predictor/noop"
	"forex-trading-bot/internal/predictor/predictorobs"
	"forex-trading-bot/internal/predictor/remote"
	"forex-trading-bot/internal/risk"
	"forex-trading-bot/internal/safety"
	"forex-trading-bot/internal/sinks/amqp"
	"forex-trading-bot/internal/sinks/telegram"
	"forex-trading-bot/internal/sinks/wshub"
	"forex-trading-bot/internal/storage/postgres"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/trace"
	"forex-trading-bot/internal/tradelog"
	"forex-trading-bot/internal/types"

	"github.com/joho/godotenv"
)

// bot holds everything the run command starts and later tears down.
type bot struct {
	cfg       *store.Config
	bus       *events.Bus
	broker    interfaces.Broker
	orch      *engine.Orchestrator
	risk      *risk.Manager
	db        *postgres.Journal
	scheduler *engine.Scheduler
	safety    *safety.Controller
	hub       *wshub.Hub
	telegram  *telegram.Telegram
	publisher *amqp.Publisher
	closers   []func()
}

func (b *bot) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// initializeSystem initializes logger and tracer
func initializeSystem() error {
	// Load environment variables
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(version); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context, path string) (*store.Config, error) {
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	// the simulator has no account to authenticate against
	if cfg.Broker.Provider == "PAPER" && !cfg.Credentials.Present() {
		cfg.Credentials.APIKey, cfg.Credentials.AccountID = "paper", "paper"
	}
	return cfg, nil
}

// initializeEOD wraps the default EOD summarizer with observability
func initializeEOD(cfg *store.Config) {
	base := eod.NewSummarizer(eod.Params{Dir: cfg.Journal.Dir, Location: cfg.Location()})
	eod.SetDefaultSummarizer(eodobs.Wrap(base))
}

// initializeBroker builds the configured broker wrapped with observability
func initializeBroker(ctx context.Context, cfg *store.Config) (interfaces.Broker, error) {
	var (
		brk interfaces.Broker
		err error
	)
	switch cfg.Broker.Provider {
	case "KITE":
		brk, err = kite.New(kite.Params{
			APIKey:          cfg.Credentials.APIKey,
			AccessToken:     cfg.Credentials.AccessToken,
			Instrument:      cfg.Instrument,
			Exchange:        cfg.Broker.Kite.Exchange,
			Tradingsymbol:   cfg.Broker.Kite.Tradingsymbol,
			InstrumentToken: cfg.Broker.Kite.InstrumentToken,
			Product:         cfg.Broker.Kite.Product,
			ContractSize:    cfg.Broker.Kite.ContractSize,
			UnitsPerLot:     cfg.Market.UnitsPerLot,
		})
		logger.Info(ctx, "Using Kite Connect broker", "exchange", cfg.Broker.Kite.Exchange, "symbol", cfg.Broker.Kite.Tradingsymbol)
	default:
		brk, err = paper.New(paper.Params{
			Instrument:     cfg.Instrument,
			InitialBalance: cfg.Broker.Paper.InitialBalance,
			StartPrice:     cfg.Broker.Paper.StartPrice,
			Volatility:     cfg.Broker.Paper.Volatility,
			UnitsPerLot:    cfg.Market.UnitsPerLot,
			Granularity:    cfg.Cycle.Granularity,
			Seed:           time.Now().UnixNano(),
		})
		logger.Warn(ctx, "Using PAPER broker - orders are simulated")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	return brokerobs.Wrap(brk), nil
}

// initializePredictor builds the configured predictor wrapped with observability
func initializePredictor(ctx context.Context, cfg *store.Config) (interfaces.Predictor, error) {
	var pred interfaces.Predictor
	switch cfg.Predictor.Provider {
	case "REMOTE":
		p, err := remote.New(remote.Params{
			URL:        cfg.Predictor.URL,
			Instrument: cfg.Instrument,
			Timeout:    time.Duration(cfg.Predictor.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := p.Health(ctx); err != nil {
			logger.Warn(ctx, "Predictor health check failed - cycles will report predictor errors", "url", cfg.Predictor.URL, "error", err)
		}
		pred = p
	default:
		pred = noop.New()
		logger.Warn(ctx, "No predictor configured - using Noop predictor (always HOLD)")
	}
	return predictorobs.Wrap(pred), nil
}

// initializeJournal opens the file journal and, when enabled, the Postgres one.
func initializeJournal(ctx context.Context, b *bot) (interfaces.Journal, error) {
	cfg := b.cfg
	if cfg.Journal.RetentionDays > 0 {
		if err := tradelog.CompressOlder(cfg.Journal.Dir, cfg.Journal.RetentionDays, time.Now()); err != nil {
			logger.Warn(ctx, "Failed to compress old logs", "error", err)
		}
	}
	files, err := tradelog.New(cfg.Journal.Dir, cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to open trade journal: %w", err)
	}
	b.closers = append(b.closers, func() { _ = files.Close() })

	if !cfg.Journal.Postgres {
		return files, nil
	}
	if cfg.DatabaseURL == "" {
		logger.Warn(ctx, "journal.postgres is set but DATABASE_URL is empty - using file journal only")
		return files, nil
	}
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres journal: %w", err)
	}
	b.closers = append(b.closers, db.Close)
	b.db = db
	return tradelog.Multi(files, db), nil
}

// restoreSession carries today's realized P&L and any sticky emergency stop
// over from the Postgres journal, so a restart cannot reset them.
func restoreSession(ctx context.Context, b *bot) error {
	if b.db == nil {
		return nil
	}
	now := time.Now().In(b.cfg.Location())
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	pnl, n, err := b.db.RealizedSince(ctx, midnight)
	if err != nil {
		return fmt.Errorf("failed to read today's trades: %w", err)
	}
	if b.risk.Restore(types.RiskState{DailyPnL: pnl, DailyTradeCount: n, LastResetDate: midnight}) && n > 0 {
		logger.Info(ctx, "Restored today's realized P&L", "trades", n, "pnl", pnl)
	}

	stops, err := b.db.RecentStops(ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to read emergency stops: %w", err)
	}
	b.safety.RestoreHistory(ctx, stops)
	return nil
}

// initializeTelegram connects the operator chat when enabled.
func initializeTelegram(ctx context.Context, b *bot) error {
	cfg := b.cfg
	if !cfg.Sinks.Telegram.Enabled {
		return nil
	}
	if cfg.TelegramToken == "" {
		logger.Warn(ctx, "Telegram sink enabled but TELEGRAM_BOT_TOKEN is empty")
		return nil
	}
	tg, err := telegram.New(telegram.Params{
		Token:          cfg.TelegramToken,
		ChatID:         cfg.Sinks.Telegram.ChatID,
		ConfirmTimeout: time.Duration(cfg.Safety.ConfirmTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	b.telegram = tg
	return nil
}

// initializeEngine wires risk, orchestrator, scheduler and the safety controller.
func initializeEngine(ctx context.Context, b *bot, pred interfaces.Predictor, journal interfaces.Journal) error {
	cfg := b.cfg

	opts := []safety.Option{safety.WithJournal(journal)}
	if b.telegram != nil {
		opts = append(opts, safety.WithConfirmer(b.telegram))
	}
	b.safety = safety.New(b.broker, b.bus, opts...)
	if err := b.safety.Initialize(cfg); err != nil {
		return err
	}

	b.risk = risk.New(cfg)
	orch, err := engine.New(cfg, engine.Deps{
		Broker:    b.broker,
		Predictor: pred,
		Risk:      b.risk,
		Bus:       b.bus,
		Journal:   journal,
		Hooks:     b.safety,
	})
	if err != nil {
		return err
	}
	b.orch = orch
	b.scheduler = engine.NewScheduler(engineobs.Wrap(orch), orch)
	b.safety.Attach(b.scheduler)
	logger.Info(ctx, "Engine ready", "instrument", cfg.Instrument, "environment", cfg.Environment, "period", cfg.Period().String())
	return nil
}

type stateView struct {
	Engine engine.Snapshot   `json:"engine"`
	Safety types.SafetyState `json:"safety"`
	State  safety.State      `json:"state"`
}

// initializeSinks starts every configured bus subscriber.
func initializeSinks(ctx context.Context, b *bot) error {
	cfg := b.cfg
	if b.telegram != nil {
		b.telegram.SetOperator(b.safety)
		b.telegram.Start(ctx, b.bus)
	}
	if cfg.Sinks.AMQP.Enabled {
		if cfg.AMQPURL == "" {
			logger.Warn(ctx, "AMQP sink enabled but AMQP_URL is empty")
		} else {
			pub, err := amqp.NewPublisher(ctx, cfg.AMQPURL, cfg.Sinks.AMQP.Exchange)
			if err != nil {
				return err
			}
			pub.Start(ctx, b.bus)
			b.publisher = pub
			b.closers = append(b.closers, pub.Close)
		}
	}
	if cfg.Sinks.WebsocketAddr != "" {
		b.hub = wshub.New(func() any {
			return stateView{Engine: b.orch.Snapshot(), Safety: b.safety.Snapshot(), State: b.safety.State()}
		})
		b.hub.Start(ctx, b.bus)
		go func() {
			if err := b.hub.Serve(ctx, cfg.Sinks.WebsocketAddr); err != nil {
				logger.ErrorWithErr(ctx, "Websocket hub stopped", err)
			}
		}()
	}
	return nil
}

// newBot builds the whole system from the config at path.
func newBot(ctx context.Context, path string) (*bot, error) {
	cfg, err := loadConfig(ctx, path)
	if err != nil {
		return nil, err
	}
	b := &bot{cfg: cfg, bus: events.NewBus()}
	b.closers = append(b.closers, b.bus.Close)
	initializeEOD(cfg)

	ok := false
	defer func() {
		if !ok {
			b.close()
		}
	}()

	if b.broker, err = initializeBroker(ctx, cfg); err != nil {
		return nil, err
	}
	pred, err := initializePredictor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	journal, err := initializeJournal(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := initializeTelegram(ctx, b); err != nil {
		return nil, err
	}
	if err := initializeEngine(ctx, b, pred, journal); err != nil {
		return nil, err
	}
	if err := restoreSession(ctx, b); err != nil {
		return nil, err
	}
	if err := initializeSinks(ctx, b); err != nil {
		return nil, err
	}
	ok = true
	return b, nil
}
