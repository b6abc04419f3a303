// Relay is a streaming inference gateway for LLM backends.
//
// It normalizes four upstream wire formats (a local Ollama daemon,
// OpenAI, Anthropic, and Google hosted APIs) into one event stream and
// serves it to clients over SSE or WebSocket, with API-key auth,
// per-key rate limiting, and disconnect-triggered cancellation.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	relay serve                  Start the gateway
//	relay ask <prompt>           Stream a single completion (direct path)
//	relay keys list|add|revoke   Manage client API keys
//	relay version                Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/relayworks/llmrelay/internal/auth"
	"github.com/relayworks/llmrelay/internal/buildinfo"
	"github.com/relayworks/llmrelay/internal/config"
	"github.com/relayworks/llmrelay/internal/gateway"
	"github.com/relayworks/llmrelay/internal/provider"
	"github.com/relayworks/llmrelay/internal/stream"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level
// environment and delegates immediately to [run], keeping os.Exit and
// os.Args out of the application logic so the lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// .env overlay for local development; absence is fine.
	_ = godotenv.Load()

	if len(args) == 0 {
		usage(stderr)
		return errors.New("missing command")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(ctx, stdout, rest)
	case "ask":
		return runAsk(ctx, stdout, stderr, rest)
	case "keys":
		return runKeys(stdout, rest)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: relay <command> [options]

commands:
  serve [-config path]                       Start the gateway server
  ask [-provider name] [-model name] <text>  Stream a one-shot completion
  keys list|add [label]|revoke <key>         Manage client API keys
  version                                    Print build information
`)
}

// popFlag extracts "-name value" from args, returning the value and
// the remaining args. We parse manually rather than using the flag
// package to avoid global state that interferes with parallel tests.
func popFlag(args []string, name string) (string, []string) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-"+name {
			value := args[i+1]
			return value, append(append([]string{}, args[:i]...), args[i+2:]...)
		}
	}
	return "", args
}

// loadConfig resolves the config file and falls back to defaults when
// none exists and none was demanded explicitly.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(w io.Writer, levelStr string) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})), nil
}

func runServe(ctx context.Context, stdout io.Writer, args []string) error {
	cfgPath, args := popFlag(args, "config")
	if len(args) != 0 {
		return fmt.Errorf("serve: unexpected arguments %v", args)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String())

	var keys *auth.KeyStore
	if cfg.Auth.RequireAPIKey || cfg.Auth.AdminKey != "" {
		keys, err = auth.OpenKeyStore(cfg.Auth.KeysDB)
		if err != nil {
			return err
		}
		defer keys.Close()
	}

	var limiter *auth.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = auth.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec)
	}

	router := provider.NewRouter(cfg.Providers, logger)
	local := provider.NewOllamaClient(cfg.Providers.Ollama.URL, logger)
	srv := gateway.NewServer(cfg, router, local, keys, limiter, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runAsk streams a one-shot completion straight through the provider
// adapters, bypassing the gateway — the direct-invocation path.
// Interrupt cancels the in-flight upstream read.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	cfgPath, args := popFlag(args, "config")
	providerName, args := popFlag(args, "provider")
	model, args := popFlag(args, "model")
	if providerName == "" {
		providerName = provider.Ollama
	}
	if model == "" {
		model = "llama3.2"
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return errors.New("ask: missing prompt")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := stream.NewToken(ctx)
	req := &provider.Request{
		Model:    model,
		Messages: []provider.Message{{Role: "user", Content: prompt}},
	}

	var failure error
	cancelled := false
	sink := stream.NewSink(func(ev stream.Event) {
		switch ev.Kind {
		case stream.KindContentDelta:
			fmt.Fprint(stdout, ev.Text)
		case stream.KindToolCallReady:
			fmt.Fprintf(stdout, "\n[tool call] %s(%s)\n", ev.Name, ev.Arguments)
		case stream.KindEnd:
			fmt.Fprintln(stdout)
		case stream.KindCancelled:
			cancelled = true
		case stream.KindError:
			failure = errors.New(ev.Err)
		}
	}, token)

	if providerName == provider.Ollama {
		local := provider.NewOllamaClient(cfg.Providers.Ollama.URL, logger)
		local.Stream(token.Context(), req, sink)
	} else {
		router := provider.NewRouter(cfg.Providers, logger)
		router.Stream(token.Context(), providerName, req, sink)
	}

	if cancelled {
		fmt.Fprintln(stdout, "\n(cancelled)")
		return nil
	}
	return failure
}

func runKeys(stdout io.Writer, args []string) error {
	cfgPath, args := popFlag(args, "config")
	if len(args) == 0 {
		return errors.New("keys: missing subcommand (list, add, revoke)")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	store, err := auth.OpenKeyStore(cfg.Auth.KeysDB)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "list":
		keys, err := store.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(stdout, "no keys")
			return nil
		}
		for _, k := range keys {
			status := "enabled"
			if !k.Enabled {
				status = "revoked"
			}
			fmt.Fprintf(stdout, "%s  %-8s  %s  %s\n",
				k.Key, status, k.CreatedAt.Format(time.RFC3339), k.Label)
		}
		return nil

	case "add":
		label := strings.Join(args[1:], " ")
		key, err := store.Generate(label)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, key.Key)
		return nil

	case "revoke":
		if len(args) < 2 {
			return errors.New("keys revoke: missing key")
		}
		found, err := store.Revoke(args[1])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key not found: %s", args[1])
		}
		fmt.Fprintln(stdout, "revoked")
		return nil

	default:
		return fmt.Errorf("keys: unknown subcommand %q", args[0])
	}
}
