package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mendbot/mendbot/internal/adapter/agent"
	githubadapter "github.com/mendbot/mendbot/internal/adapter/github"
	"github.com/mendbot/mendbot/internal/adapter/store/sqlite"
	"github.com/mendbot/mendbot/internal/config"
	"github.com/mendbot/mendbot/internal/observability"
	"github.com/mendbot/mendbot/internal/ratelimit"
	"github.com/mendbot/mendbot/internal/usecase/review"
	"github.com/mendbot/mendbot/internal/usecase/triage"
	"github.com/mendbot/mendbot/internal/webhook"
	"github.com/mendbot/mendbot/internal/workspace"
)

const (
	shutdownTimeout   = 15 * time.Second
	memoryFallbackCap = 10000
)

func main() {
	root := &cobra.Command{
		Use:           "mendbotd",
		Short:         "GitHub PR review bot with automated remediation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "directory containing mendbot.yaml")
	return cmd
}

func serve(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	paths := defaultConfigPaths()
	if configPath != "" {
		paths = []string{configPath}
	}
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPaths: paths,
		FileName:    "mendbot",
		EnvPrefix:   "MENDBOT",
	})
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logger := buildLogger(cfg.Observability.Logging)

	tokens, err := buildTokenSource(cfg.GitHub)
	if err != nil {
		return err
	}

	platform := githubadapter.NewClient(tokens)
	if cfg.GitHub.APIBaseURL != "" {
		platform.SetBaseURL(cfg.GitHub.APIBaseURL)
	}

	workspaces := workspace.NewManager(tokens, logger)
	if cfg.GitHub.CloneBaseURL != "" {
		workspaces.SetCloneBaseURL(cfg.GitHub.CloneBaseURL)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	st, err := sqlite.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	agentTimeout, err := time.ParseDuration(cfg.Agent.Timeout)
	if err != nil {
		return fmt.Errorf("invalid agent timeout %q: %w", cfg.Agent.Timeout, err)
	}
	runner := agent.NewAnthropicRunner(
		anthropic.NewClient(option.WithAPIKey(cfg.Agent.APIKey)),
		agent.AnthropicConfig{
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
			Timeout:   agentTimeout,
		},
		logger,
	)

	reviewer := review.NewOrchestrator(platform, workspaces, runner, st, logger, review.Config{
		BotLogin: cfg.GitHub.BotLogin,
		MaxTurns: cfg.Agent.ReviewMaxTurns,
	})
	triager := triage.NewOrchestrator(platform, workspaces, runner, st, logger, triage.Config{
		AutofixEnabled:    cfg.Autofix.Enabled,
		MaxIssuesPerCycle: cfg.Autofix.MaxIssuesPerCycle,
		MaxFixAttempts:    cfg.Autofix.MaxFixAttempts,
		MaxTurns:          cfg.Agent.TriageMaxTurns,
	})
	resolver := triage.NewResolver(st, logger)

	server := webhook.NewServer(reviewer, triager, resolver, logger, webhook.Config{
		Secret:   cfg.Server.WebhookSecret,
		BotLogin: cfg.GitHub.BotLogin,
	})

	mux := http.NewServeMux()
	server.Routes(mux)

	limiter, err := buildLimiter(cfg.RateLimit, logger)
	if err != nil {
		return err
	}
	handler := ratelimit.Middleware(limiter, ratelimit.MiddlewareConfig{
		Methods:  cfg.RateLimit.Methods,
		ClientIP: ratelimit.ClientIPConfig{TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders},
	}, mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.LogInfo(ctx, "webhook server listening", map[string]interface{}{
			"addr": cfg.Server.ListenAddr,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.LogInfo(context.Background(), "shutting down", nil)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// buildLogger resolves the "auto" format: human on a terminal, JSON otherwise.
func buildLogger(cfg config.LoggingConfig) observability.Logger {
	format := observability.LogFormatJSON
	switch cfg.Format {
	case "human":
		format = observability.LogFormatHuman
	case "json":
	default:
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = observability.LogFormatHuman
		}
	}
	return observability.NewDefaultLogger(observability.ParseLevel(cfg.Level), format)
}

func buildTokenSource(cfg config.GitHubConfig) (githubadapter.TokenSource, error) {
	if cfg.AppID == "" || cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("github.appID and github.privateKeyPath are required")
	}
	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading App private key: %w", err)
	}
	tokens, err := githubadapter.NewAppTokenSource(cfg.AppID, cfg.InstallationID, pem)
	if err != nil {
		return nil, fmt.Errorf("building App token source: %w", err)
	}
	if cfg.APIBaseURL != "" {
		tokens.SetBaseURL(cfg.APIBaseURL)
	}
	return tokens, nil
}

func buildLimiter(cfg config.RateLimitConfig, logger observability.Logger) (*ratelimit.Limiter, error) {
	window, err := time.ParseDuration(cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("invalid ratelimit window %q: %w", cfg.Window, err)
	}

	var counters ratelimit.CounterStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		counters = ratelimit.NewRedisStore(client, "mendbot:rl:")
	}
	fallback := ratelimit.NewMemoryStore(memoryFallbackCap)

	return ratelimit.NewLimiter(ratelimit.Config{
		Max:    int64(cfg.Max),
		Window: window,
	}, counters, fallback, logger), nil
}

func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mendbot"))
	}
	return paths
}
