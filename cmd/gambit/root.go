package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/deck"
	"github.com/gambitlabs/gambit/internal/engine"
	"github.com/gambitlabs/gambit/internal/logging"
	"github.com/gambitlabs/gambit/internal/metrics"
	"github.com/gambitlabs/gambit/internal/provider"
	"github.com/gambitlabs/gambit/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "gambit",
	Short: "Gambit executes tree-structured model workflows",
	Long: `Gambit runs "decks": model-driven workflow nodes that call each other
as tools, bounded by depth, pass, and timeout guardrails.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("decks", ".", "Directory containing deck YAML files")
	rootCmd.PersistentFlags().String("state-dir", "", "Directory for per-session state files")
	rootCmd.PersistentFlags().String("redis", "", "Redis address for session state (overrides --state-dir)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// harness is the assembled runtime every subcommand starts from.
type harness struct {
	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	engine   *engine.Engine
}

// buildHarness assembles config, logging, providers, decks, state store,
// and the engine from flags plus the environment. Extra engine options let
// serve install its trace hub.
func buildHarness(cmd *cobra.Command, extra ...engine.Option) (*harness, error) {
	cfg := config.FromEnv()

	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug || cfg.Debug {
		level = slog.LevelDebug
	}
	log := logging.New(level)

	decksDir, _ := cmd.Flags().GetString("decks")
	library, err := deck.LoadDir(os.DirFS(decksDir))
	if err != nil {
		return nil, fmt.Errorf("load decks from %s: %w", decksDir, err)
	}
	if len(library.Paths()) == 0 {
		return nil, fmt.Errorf("no deck files found under %s", decksDir)
	}

	router, err := buildRouter(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cmd)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(metrics.New(registry)),
	}
	if store != nil {
		opts = append(opts, engine.WithStore(store))
	}
	opts = append(opts, extra...)

	return &harness{
		cfg:      cfg,
		log:      log,
		registry: registry,
		engine:   engine.New(library, router, opts...),
	}, nil
}

// buildRouter constructs one adapter per configured vendor. Ollama and
// Codex need no API key, so they are always available.
func buildRouter(cfg config.Config, log *slog.Logger) (*provider.Router, error) {
	providers := []provider.Provider{
		provider.NewOllama(cfg.Ollama, log),
		provider.NewCodex(cfg.Codex, log),
	}
	if cfg.OpenAI.Configured() {
		providers = append(providers, provider.NewOpenAI(cfg.OpenAI, log))
	}
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, provider.NewOpenRouter(cfg.OpenRouter, log))
	}
	if cfg.Anthropic.Configured() {
		providers = append(providers, provider.NewAnthropic(cfg.Anthropic, log))
	}
	if cfg.Google.APIKey != "" {
		providers = append(providers, provider.NewGoogle(cfg.Google, log))
	}

	var opts []provider.RouterOption
	if cfg.DefaultProvider != "" {
		opts = append(opts, provider.WithDefault(provider.Key(cfg.DefaultProvider)))
	}
	return provider.NewRouter(providers, opts...), nil
}

// buildStore picks the session store: Redis when --redis is set, files when
// --state-dir is set, otherwise stateless.
func buildStore(cmd *cobra.Command) (state.Store, error) {
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		return state.NewRedisStore(client), nil
	}
	if dir, _ := cmd.Flags().GetString("state-dir"); dir != "" {
		return state.NewFileStore(dir)
	}
	return nil, nil
}
