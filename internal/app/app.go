// Package app is the composition root: it wires the Registry Store,
// Messaging Engine, Instance Lifecycle, Config Service, Flow Engine, and
// HTTP API Surface together and runs the selected process mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/zeroclaw/zeroclaw/internal/channel"
	"github.com/zeroclaw/zeroclaw/internal/config"
	"github.com/zeroclaw/zeroclaw/internal/httpapi"
	"github.com/zeroclaw/zeroclaw/internal/httpserver"
	"github.com/zeroclaw/zeroclaw/internal/logging"
	"github.com/zeroclaw/zeroclaw/internal/metrics"
	"github.com/zeroclaw/zeroclaw/internal/platform"
	"github.com/zeroclaw/zeroclaw/internal/registry"
	"github.com/zeroclaw/zeroclaw/internal/version"
	"github.com/zeroclaw/zeroclaw/pkg/configsvc"
	"github.com/zeroclaw/zeroclaw/pkg/flow"
	"github.com/zeroclaw/zeroclaw/pkg/lifecycle"
	"github.com/zeroclaw/zeroclaw/pkg/messaging"
)

// telegramChannelName is the only channel this core talks to (spec §1: the
// Telegram long-poll adapter's wire-format parsing is out of scope — the
// NullProvider stands in for it unless a real provider is registered).
const telegramChannelName = "telegram"

// Run reads config, opens the registry, and starts the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting zeroclaw", "mode", cfg.Mode, "listen", cfg.ListenAddr(), "version", version.Version)

	store, err := registry.Open(ctx, cfg.CPRoot)
	if err != nil {
		return fmt.Errorf("opening registry store: %w", err)
	}
	defer store.Close()

	metricsReg := prometheus.NewRegistry()
	for _, c := range metrics.All() {
		if err := metricsReg.Register(c); err != nil {
			return fmt.Errorf("registering metrics collector: %w", err)
		}
	}

	lifecycleSvc := lifecycle.NewService(store, logger, lifecycle.Config{
		CPRoot:          cfg.CPRoot,
		PortRangeLo:     cfg.PortRangeLo,
		PortRangeHi:     cfg.PortRangeHi,
		HomeSentinel:    cfg.Home,
		AgentBinaryPath: cfg.AgentBinaryPath,
	})

	operatorFlows, err := flow.LoadOperatorFlows(cfg.FlowsDir, logger)
	if err != nil {
		return fmt.Errorf("loading operator flow definitions: %w", err)
	}
	logger.Info("loaded operator flow definitions", "count", len(operatorFlows), "dir", cfg.FlowsDir)

	providers := channel.NewRegistry()
	flowCache := flow.NewCache(store, operatorFlows)
	flowEngine := flow.NewEngine(store, flowCache, providers, logger)
	flowPolicy := flow.Policy{
		AgentAuthoringEnabled:    cfg.AgentAuthoringEnabled,
		MaxSteps:                 cfg.FlowMaxSteps,
		MaxAgentFlows:            cfg.FlowMaxAgentFlows,
		RequireHandoffOnKeyboard: cfg.FlowRequireHandoffOnKbd,
		AutoApprove:              cfg.FlowAutoApprove,
		AutoApproveMaxSteps:      cfg.FlowAutoApproveMaxSteps,
		DeniedStepKinds:          cfg.FlowDeniedStepKinds,
		DeniedTextPatterns:       cfg.FlowDeniedTextPatterns,
	}
	flowComposer := flow.NewComposer(store, flowCache, flowPolicy)
	flowPoller := flow.NewPoller(store, flowEngine, telegramChannelName, logger)
	flowTicker := flow.NewTicker(store, flowCache, flowEngine, telegramChannelName, logger)

	// The wake accelerator is purely additive (spec §4.B supplement): with
	// REDIS_URL unset, rdb stays nil and both modes fall back to the plain
	// ticker-driven poll loop.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis wake accelerator: %w", err)
		}
		defer rdb.Close()
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, store, metricsReg, lifecycleSvc, flowCache, flowEngine, flowComposer, flowPoller, rdb)
	case "worker":
		return runWorker(ctx, logger, store, lifecycleSvc, flowTicker, flowPoller, providers, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	store *registry.Store,
	metricsReg *prometheus.Registry,
	lifecycleSvc *lifecycle.Service,
	flowCache *flow.Cache,
	flowEngine *flow.Engine,
	flowComposer *flow.Composer,
	flowPoller *flow.Poller,
	rdb *redis.Client,
) error {
	srv := httpserver.NewServer(cfg, logger, store, metricsReg)

	lifecycleHandler := lifecycle.NewHandler(lifecycleSvc, store, logger)
	configsvcHandler := configsvc.NewHandler(configsvc.NewService(store, lifecycleSvc), logger)
	flowHandler := flow.NewHandler(store, flowComposer, flowEngine, flowPoller, logger)
	messagingEngine := messaging.New(store, cfg.MessageSecretKeys, lifecycleSvc)
	messagingHandler := messaging.NewHandler(messagingEngine, store, logger, rdb)

	httpapi.Mount(srv, httpapi.Deps{
		Lifecycle: lifecycleHandler,
		Messaging: messagingHandler,
		ConfigSvc: configsvcHandler,
		Flow:      flowHandler,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second, // long-poll cap (60s) + margin
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker drives every background tick loop: the messaging delivery
// worker (spec §4.B), the flow timeout ticker (spec §4.E), and the channel
// long-poll consumer (spec §6) — all run to completion on ctx.Done().
func runWorker(
	ctx context.Context,
	logger *slog.Logger,
	store *registry.Store,
	lifecycleSvc *lifecycle.Service,
	flowTicker *flow.Ticker,
	flowPoller *flow.Poller,
	providers *channel.Registry,
	rdb *redis.Client,
) error {
	logger.Info("worker started")

	wake := messaging.NewWakeChannel(ctx, rdb, logger)
	msgWorker := messaging.NewWorker(store, logger, lifecycleSvc, wake)

	errCh := make(chan error, 2)
	go func() { errCh <- msgWorker.Run(ctx) }()
	go func() { errCh <- flowTicker.Run(ctx) }()
	go runTelegramPollLoop(ctx, flowPoller, providers)

	select {
	case <-ctx.Done():
		logger.Info("worker stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

const telegramPollInterval = time.Second

// runTelegramPollLoop ticks the flow Poller every second, the long-poll
// cadence spec §5 describes ("1 s ticks up to a caller-bounded deadline").
// With no real Telegram provider wired (spec §1, out of scope), this drives
// channel.NullProvider and is a no-op until a real Provider is registered.
func runTelegramPollLoop(ctx context.Context, poller *flow.Poller, providers *channel.Registry) {
	ticker := time.NewTicker(telegramPollInterval)
	defer ticker.Stop()
	provider := providers.Get(telegramChannelName)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poller.Tick(ctx, provider)
		}
	}
}
