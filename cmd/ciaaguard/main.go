package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ciaaguard/ciaaguard/internal/audit"
	"github.com/ciaaguard/ciaaguard/internal/config"
	"github.com/ciaaguard/ciaaguard/internal/metrics"
	"github.com/ciaaguard/ciaaguard/internal/policy"
	"github.com/ciaaguard/ciaaguard/internal/runtime"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ciaaguard",
		Short: "Runtime security mediator for autonomous agents",
		Long:  "ciaaguard — Intercept. Evaluate. Learn.\nA mediator that enforces policy, rate limits, and CIAA checks on agent actions, with a hash-chained audit trail.",
	}

	var configFile string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mediator until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: ./ciaaguard.yaml)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter ciaaguard.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify [audit-dir]",
		Short: "Verify the hash chain of an audit log directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(args[0])
		},
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy file commands",
	}
	policyValidateCmd := &cobra.Command{
		Use:   "validate [policy-file]",
		Short: "Load a policy file and report how many rules parsed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(args[0])
		},
	}
	policyCmd.AddCommand(policyValidateCmd)

	suggestionsCmd := &cobra.Command{
		Use:   "suggestions",
		Short: "Policy learner commands",
	}
	suggestionsExportCmd := &cobra.Command{
		Use:   "export [config-file] [output-file]",
		Short: "Export the learner's persisted suggestions (learner.sqlite_path) as a policy file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuggestionsExport(args[0], args[1])
		},
	}
	suggestionsCmd.AddCommand(suggestionsExportCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ciaaguard %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, initCmd, verifyCmd, policyCmd, suggestionsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(configFile string) error {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := loader.Get()

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	rt, err := runtime.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	fmt.Println()
	fmt.Println("  ciaaguard " + version)
	fmt.Println("  Runtime security mediator")
	fmt.Println()
	fmt.Printf("  → Policy file: %s (watch=%v)\n", cfg.Policy.FilePath, cfg.Policy.Watch)
	fmt.Printf("  → Audit log:   %s\n", cfg.Audit.LogDir)
	fmt.Printf("  → Fail mode:   %s\n", cfg.Server.FailMode)
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("  → Metrics:     http://%s/metrics\n", cfg.Server.MetricsAddr)
	}
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Server.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Server.MetricsAddr, rt.Metrics()); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down...")

	return nil
}

func runInit() error {
	configPath := "ciaaguard.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  next steps:")
	fmt.Println("    ciaaguard policy validate policies.yaml")
	fmt.Println("    ciaaguard serve")
	return nil
}

func runVerify(dir string) error {
	valid, reason, err := audit.VerifyChain(dir)
	if err != nil {
		return fmt.Errorf("failed to verify audit log: %w", err)
	}
	if valid {
		fmt.Printf("✓ hash chain intact: %s\n", dir)
		return nil
	}
	fmt.Printf("✗ hash chain broken: %s\n", reason)
	os.Exit(1)
	return nil
}

func runPolicyValidate(path string) error {
	store := policy.NewStore(nil)
	if err := store.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	fmt.Printf("✓ %s: %d rules loaded\n", path, len(store.Rules()))
	return nil
}

func runSuggestionsExport(configFile, outputFile string) error {
	loader := config.NewLoader()
	if err := loader.Load(configFile); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := loader.Get()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	rt, err := runtime.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() { _ = rt.Shutdown() }()

	// FromConfig has already loaded any persisted suggestions; no audit
	// history is replayed. Pause briefly before exporting.
	time.Sleep(50 * time.Millisecond)

	if err := rt.ExportLearnedPolicies(outputFile); err != nil {
		return fmt.Errorf("failed to export suggestions: %w", err)
	}
	fmt.Printf("✓ exported suggestions to %s\n", outputFile)
	return nil
}

func findConfigFile() string {
	for _, candidate := range []string{"ciaaguard.yaml", "ciaaguard.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
