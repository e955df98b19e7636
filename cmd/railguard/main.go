// Package main is the entry point for the railguard binary. It runs a
// message (or an interactive conversation) through the streaming
// policy-enforcement pipeline against a scripted generation source.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/railguard/railguard/internal/governance"
	"github.com/railguard/railguard/pkg/chunker"
	"github.com/railguard/railguard/pkg/config"
	"github.com/railguard/railguard/pkg/domain"
	"github.com/railguard/railguard/pkg/logging"
	"github.com/railguard/railguard/pkg/rail"
	"github.com/railguard/railguard/pkg/session"
	"github.com/railguard/railguard/pkg/source"
	"github.com/railguard/railguard/pkg/stage"
	"github.com/railguard/railguard/pkg/telemetry"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "railguard",
		Short: "Streaming policy-enforcement pipeline",
		Long: `railguard intercepts a conversation with a generation source and runs
staged policy rails before, during, and after generation. Blocked content
is rejected or truncated mid-stream; compliant output is streamed with a
post-stream full check.`,
	}

	rootCmd.PersistentFlags().StringP("policy", "c", "", "Path to policy document (YAML); empty uses builtins")
	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("policy")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			registry, err := cfg.BuildRegistry()
			if err != nil {
				return err
			}
			stages, err := cfg.BuildStages(registry)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy ok: %d rules, %d stages\n", len(registry.Clone()), len(stages))
			return nil
		},
	}
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a message through the pipeline",
		RunE:  runPipeline,
	}
	cmd.Flags().StringP("message", "m", "", "Message to process (omit for interactive mode)")
	cmd.Flags().Bool("watch", false, "Reload the policy document on change (interactive mode)")
	return cmd
}

// runtime bundles the pieces rebuilt on policy reload.
type runtime struct {
	mu     sync.RWMutex
	engine *rail.Engine
}

func (r *runtime) get() *rail.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}

func (r *runtime) set(engine *rail.Engine) {
	r.mu.Lock()
	r.engine = engine
	r.mu.Unlock()
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	policyPath, _ := cmd.Flags().GetString("policy")
	logLevel, _ := cmd.Flags().GetString("log-level")
	message, _ := cmd.Flags().GetString("message")
	watch, _ := cmd.Flags().GetBool("watch")

	cfg, err := config.Load(policyPath)
	if err != nil {
		return err
	}
	if logLevel == defaultLogLevel && cfg.Logging.Level != "" {
		logLevel = cfg.Logging.Level
	}
	logger := logging.Setup(logging.Config{Level: logLevel, Text: true})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "railguard",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	if cfg.Telemetry.MetricsAddress != "" {
		go serveMetrics(cfg.Telemetry.MetricsAddress, metrics, logger)
	}

	engine, err := buildEngine(cfg, logger, metrics)
	if err != nil {
		return err
	}
	rt := &runtime{engine: engine}

	if watch && policyPath != "" {
		watcher, err := config.NewWatcher(policyPath, func(path string) error {
			reloaded, err := config.Load(path)
			if err != nil {
				return err
			}
			rebuilt, err := buildEngine(reloaded, logger, metrics)
			if err != nil {
				return err
			}
			rt.set(rebuilt)
			return nil
		}, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	store := session.NewStore(session.Config{MessageCap: cfg.Session.MessageCap}, logger)
	sess := store.Create()

	if message != "" {
		return streamOne(ctx, cmd, rt.get(), message, sess)
	}
	return interactive(ctx, cmd, rt, sess)
}

func buildEngine(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (*rail.Engine, error) {
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}
	stages, err := cfg.BuildStages(registry)
	if err != nil {
		return nil, err
	}

	src := source.NewRetrySource(
		source.NewScriptSource(source.SupportResponder, cfg.Source.FragmentSize),
		governance.RetryConfig{
			MaxRetries:     cfg.Source.MaxRetries,
			InitialBackoff: time.Duration(cfg.Source.InitialBackoffMS) * time.Millisecond,
		},
		logger,
		metrics,
	)

	return rail.NewEngine(rail.Config{
		Stages: stages,
		Chunker: chunker.Config{
			ChunkSize:   cfg.Chunker.ChunkSize,
			ContextSize: cfg.Chunker.ContextSize,
		},
		Source:   src,
		Executor: stage.NewExecutor(registry, logger),
		Logger:   logger,
		Metrics:  metrics,
	})
}

func interactive(ctx context.Context, cmd *cobra.Command, rt *runtime, sess *domain.Session) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "railguard interactive mode; empty line or Ctrl-D exits")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "" {
			return nil
		}
		if err := streamOne(ctx, cmd, rt.get(), line, sess); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func streamOne(ctx context.Context, cmd *cobra.Command, engine *rail.Engine, message string, sess *domain.Session) error {
	out := cmd.OutOrStdout()

	for event := range engine.Execute(ctx, message, sess) {
		switch event.Type {
		case domain.EventChunk:
			fmt.Fprint(out, event.Chunk.Text)
		case domain.EventViolation:
			fmt.Fprintf(out, "\n[violation] rule=%s severity=%s\n", event.Violation.RuleID, event.Violation.Severity)
		case domain.EventNotice:
			fmt.Fprintf(out, "\n[notice] %s\n", event.Text)
		case domain.EventFinal:
			fmt.Fprintln(out)
		case domain.EventRejected:
			fmt.Fprintf(out, "[rejected:%s] %s\n", event.Category, event.Text)
		case domain.EventError:
			fmt.Fprintf(out, "[error] %s\n", event.Text)
		}
	}
	return nil
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", "error", err)
	}
}
