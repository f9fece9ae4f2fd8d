package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vantico/deskpilot/internal/config"
	"github.com/vantico/deskpilot/internal/decision"
	"github.com/vantico/deskpilot/internal/grounding"
	"github.com/vantico/deskpilot/internal/kvcache"
	"github.com/vantico/deskpilot/internal/observability"
	"github.com/vantico/deskpilot/internal/policy"
	"github.com/vantico/deskpilot/internal/protocol"
	"github.com/vantico/deskpilot/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent service, accepting session channels over WebSocket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()
	clk := clock.New()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	visionProvider, err := grounding.NewHTTPProvider(
		cfg.Grounding.Endpoint,
		cfg.Grounding.APIKey,
		cfg.Grounding.Timeout,
		cfg.Grounding.RequestsPerSecond,
		cfg.Grounding.RequestBurst,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to build grounding provider: %w", err)
	}

	kv := kvcache.NewMemoryWithClock(clk)
	kv.StartSweeper(cfg.Grounding.SweepInterval)
	defer kv.Close()

	groundingCache := grounding.NewCache(
		kv,
		visionProvider,
		grounding.Options{
			TTL:               cfg.Grounding.CacheTTL,
			SimilarityCutoff:  cfg.Grounding.SimilarityCutoff,
			ElementConfidence: cfg.Grounding.ElementConfidence,
		},
		logger,
	)

	router, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	store := session.NewMemoryStore(clk, cfg.Session.IdleTTL, cfg.Session.SweepInterval, logger)
	defer store.Close()

	handler := protocol.NewHandler(cfg, store, groundingCache, router, policy.NewEngine(cfg.Policy, logger), clk, logger)
	server := protocol.NewServer(cfg.Server, handler, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", cfg.Server.Addr), zap.String("path", cfg.Server.Path))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	server.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// buildRouter registers every configured decision provider that has an API
// key. Preference-order entries without a usable provider are dropped so a
// single-key deployment still runs.
func buildRouter(cfg *config.Config, logger *zap.Logger) (*decision.Router, error) {
	providers := make(map[string]decision.Provider)
	for name, pc := range cfg.Decision.Providers {
		if pc.APIKey == "" {
			logger.Warn("Decision provider has no API key, skipping", zap.String("provider", name))
			continue
		}
		var (
			p   decision.Provider
			err error
		)
		switch name {
		case "gemini":
			p, err = decision.NewGeminiProvider(pc, logger)
		case "openai":
			p, err = decision.NewOpenAIProvider(pc, logger)
		default:
			logger.Warn("Unknown decision provider in config, skipping", zap.String("provider", name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		providers[name] = p
	}

	order := make([]string, 0, len(cfg.Decision.Order))
	for _, name := range cfg.Decision.Order {
		if _, ok := providers[name]; ok {
			order = append(order, name)
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no decision provider is usable; set DESKPILOT_GEMINI_API_KEY or DESKPILOT_OPENAI_API_KEY")
	}

	return decision.NewRouter(providers, order, cfg.Decision.Timeout, logger)
}
