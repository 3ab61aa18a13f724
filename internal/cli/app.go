package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/broker/bridge"
	"tradegate/internal/broker/paper"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	apphttp "tradegate/internal/http"
	"tradegate/internal/integrations/telegram"
	"tradegate/internal/integrations/webhook"
	"tradegate/internal/logging"
	"tradegate/internal/market"
	"tradegate/internal/security/secretbox"
	"tradegate/internal/service/assistant"
	"tradegate/internal/service/mode"
	"tradegate/internal/service/pipeline"
	"tradegate/internal/service/policy"
	"tradegate/internal/service/ratelimit"
	"tradegate/internal/service/strategy"
	storepkg "tradegate/internal/store"
	"tradegate/internal/store/memory"
	"tradegate/internal/store/postgres"
	"tradegate/internal/store/sqlite"
)

// app is the wired control plane shared by serve and the maintenance
// commands.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    storepkg.Store
	hub      *apphttp.Hub
	sink     *audit.Sink
	pipeline *pipeline.Pipeline
	gateway  *assistant.Gateway
}

func loadConfig(envFile string) (config.Config, *zap.Logger, error) {
	envErr := config.LoadDotEnv(envFile)
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}
	if envErr != nil {
		logger.Warn("failed to load env file", zap.String("path", envFile), zap.Error(envErr))
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.Config) (storepkg.Store, error) {
	var box *secretbox.Box
	if cfg.AuditEncryptionKey != "" {
		b, err := secretbox.New(cfg.AuditEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("audit encryption key: %w", err)
		}
		box = b
	}
	switch cfg.StoreMode {
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseURL, box)
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath, box)
	default:
		return memory.NewStore(), nil
	}
}

func defaultPolicy(cfg config.Config, quotes []market.Quote) domain.PolicySnapshot {
	instruments := make([]string, 0, len(quotes))
	for _, q := range quotes {
		instruments = append(instruments, q.Instrument)
	}
	return domain.PolicySnapshot{
		Version:            "env",
		MaxExposurePct:     cfg.MaxExposurePct,
		MaxPositions:       cfg.MaxOpenPositions,
		PerInstrumentRules: policy.DefaultRules(instruments),
		MinSLTPDistance:    cfg.MinSLTPDistance,
	}
}

func newPolicyHolder(cfg config.Config, defaults domain.PolicySnapshot, logger *zap.Logger) (*policy.Holder, error) {
	if cfg.PolicyFile == "" {
		return policy.NewHolder(defaults, logger)
	}
	snap, v, err := policy.LoadFile(cfg.PolicyFile, defaults)
	if err != nil {
		return nil, err
	}
	holder, err := policy.NewHolder(snap, logger)
	if err != nil {
		return nil, err
	}
	holder.Watch(v, defaults)
	logger.Info("policy file watched", zap.String("file", cfg.PolicyFile), zap.String("version", snap.Version))
	return holder, nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreMode, err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	seed, err := market.ParseSeed(cfg.PaperQuotes)
	if err != nil {
		return nil, err
	}
	board := market.NewBoard()
	for _, q := range seed {
		board.Set(q)
	}

	holder, err := newPolicyHolder(cfg, defaultPolicy(cfg, seed), logger)
	if err != nil {
		return nil, err
	}

	gate := mode.NewGate(mode.Flags{
		LiveRequested: cfg.LiveTradingRequested,
		LiveConfirmed: cfg.LiveTradingConfirmed,
		Phrase:        cfg.LiveConfirmationPhrase,
	}, logger)
	if cfg.LiveTradingRequested {
		if m, err := gate.Arm(); err != nil {
			logger.Warn("live trading requested but not armed", zap.Error(err))
		} else {
			logger.Info("mode gate armed", zap.String("mode", string(m)))
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:       cfg.RateLimitPerMinute,
		Window:         cfg.RateLimitWindow,
		ErrorThreshold: cfg.ErrorCooldownThreshold,
		Cooldown:       cfg.ErrorCooldown,
	})

	registry, err := strategy.NewRegistry(ctx, cfg.StrategyKeys, cfg.StrategyDefault, st, logger)
	if err != nil {
		return nil, err
	}

	executors := []broker.Executor{paper.New()}
	if cfg.BrokerBridgeURL != "" {
		executors = append(executors, bridge.NewClient(cfg.BrokerBridgeURL, cfg.BrokerBridgeKey))
	}

	a.hub = apphttp.NewHub(logger)
	notifiers := []audit.Notifier{a.hub}
	if tg := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.TelegramRatePerSec); tg.Enabled() {
		notifiers = append(notifiers, tg)
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, webhook.NewClient(cfg.WebhookURL, cfg.WebhookTimeout, cfg.WebhookMaxRetries, cfg.WebhookRetryBase, cfg.WebhookRetryMax))
	}
	a.sink = audit.NewSink(st, logger, notifiers...)

	a.pipeline = pipeline.New(pipeline.Config{
		AccountID:        cfg.AccountID,
		Equity:           cfg.AccountEquity,
		ExecutionEnabled: cfg.ExecutionEnabled,
		PreviewTTL:       cfg.PreviewTTL,
		ExecutionTimeout: cfg.ExecutionTimeout,
		SweepInterval:    cfg.SweepInterval,
	}, pipeline.Deps{
		Policy:     holder,
		Gate:       gate,
		Limiter:    limiter,
		Strategies: registry,
		Quotes:     board,
		Executors:  executors,
		Store:      st,
		Sink:       a.sink,
		Logger:     logger,
	})

	if cfg.AssistantEnabled {
		interp, err := assistant.NewOpenAIInterpreter(assistant.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.OpenAITimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("assistant: %w", err)
		}
		a.gateway = assistant.NewGateway(interp, a.pipeline, logger)
	}

	ok = true
	return a, nil
}

// reconcile restores positions and turns interrupted executions into audited
// failures. It must run before the API accepts commands.
func (a *app) reconcile(ctx context.Context) (int, error) {
	if err := a.pipeline.Restore(ctx); err != nil {
		return 0, err
	}
	return a.pipeline.Reconcile(ctx)
}

func (a *app) close() error {
	a.sink.Wait()
	// stdout loggers report EINVAL on Sync
	_ = a.logger.Sync()
	return a.store.Close()
}
