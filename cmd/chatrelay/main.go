package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chatrelay/internal/budget"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/conversation"
	"chatrelay/internal/limiter"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/provider"
	"chatrelay/internal/retrieval"
	"chatrelay/internal/server"
)

var version = "1.0.0"

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "chatrelay - conversational request orchestration relay",
	Long: `chatrelay sits between chat clients and language model backends.

It keeps bounded per-conversation history, throttles users with a sliding
window, memoizes repeated questions, budgets each turn by query complexity
and falls back across an ordered provider chain when backends misbehave.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP server",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Run a single turn from the command line",
	Long: `Runs one chat turn through the full pipeline without starting the
HTTP server. Useful for smoke-testing a configuration.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chatrelay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chatrelay %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatrelay.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, askCmd, versionCmd)
}

// components holds everything the pipeline needs, wired from one config.
type components struct {
	store    *conversation.Store
	limiter  *limiter.SlidingWindow
	cache    *cache.ResponseCache
	orch     *orchestrator.Orchestrator
	executor *provider.Executor
}

func buildComponents(cfg *config.Config) (*components, error) {
	store := conversation.NewStore(cfg.GetConversationTTL(), cfg.Conversation.MaxHistoryMessages, logger)
	lim := limiter.New(cfg.Limiter.Limit, cfg.GetLimiterWindow())
	respCache := cache.New(cfg.GetCacheTTL(), cfg.Cache.MaxEntries, logger)

	scheduler, err := budget.NewScheduler(cfg.BudgetTiers(), cfg.BudgetOptions())
	if err != nil {
		return nil, fmt.Errorf("building scheduler: %w", err)
	}

	retriever := retrieval.NewHTTPClient(cfg.Retrieval.BaseURL, logger)

	executor, err := buildExecutor(cfg)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(store, lim, respCache, scheduler, retriever, executor,
		orchestrator.Options{
			Overhead:          cfg.GetOverhead(),
			SlowTurnThreshold: cfg.GetSlowTurnThreshold(),
		}, logger)

	return &components{
		store:    store,
		limiter:  lim,
		cache:    respCache,
		orch:     orch,
		executor: executor,
	}, nil
}

func buildExecutor(cfg *config.Config) (*provider.Executor, error) {
	candidates := make([]provider.Candidate, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var (
			gen provider.Generator
			err error
		)
		switch p.Kind {
		case "openai":
			gen, err = provider.NewOpenAI(p.Name, p.Model, p.APIKey, p.BaseURL)
		case "gemini":
			gen, err = provider.NewGemini(p.Name, p.Model, p.APIKey)
		case "static":
			gen = provider.NewStatic("")
		}
		if err != nil || gen == nil {
			// A misconfigured backend is skipped, not fatal; the rest of
			// the chain still serves.
			logger.Warn("skipping provider", zap.String("name", p.Name), zap.Error(err))
			continue
		}
		candidates = append(candidates, provider.Candidate{
			Generator:      gen,
			AttemptTimeout: p.GetAttemptTimeout(),
		})
	}
	if len(candidates) == 0 {
		logger.Warn("no usable providers configured, only the static responder will answer")
	}
	return provider.NewExecutor(candidates, provider.NewStatic(""), logger), nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	comps.store.StartSweeper(cfg.GetConversationSweepInterval())
	defer comps.store.Stop()
	comps.cache.StartSweeper(cfg.GetCacheSweepInterval())
	defer comps.cache.Stop()

	// Limiter settings apply on the fly; everything else needs a restart.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		comps.limiter.SetLimits(next.Limiter.Limit, next.GetLimiterWindow())
	}, logger)
	if err == nil {
		if err := watcher.Start(); err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	} else {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	srv := server.New(cfg.Server.Listen, comps.orch, comps.store, comps.limiter,
		comps.cache, comps.executor, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	resp, err := comps.orch.Chat(cmd.Context(), orchestrator.Request{
		UserID:  "cli",
		Message: strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
