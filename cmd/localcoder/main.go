// Package main provides the localcoder binary entry point.
// Localcoder runs a four-stage coding pipeline (reason, plan, generate,
// review) on a local CPU-bound model and serves it over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	// Register engine wire providers via init()
	_ "github.com/c360studio/localcoder/llm/providers"

	"github.com/spf13/cobra"

	"github.com/c360studio/localcoder/config"
	"github.com/c360studio/localcoder/model"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "localcoder"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	root       string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Local multi-agent coding assistant",
		Long: `Localcoder runs a fixed four-stage coding pipeline on a local model:

- Reasoner: works out what the request asks for
- Planner: turns the analysis into implementation steps
- Generator: writes the code
- Reviewer: checks the code against the analysed intent

Inference runs on the CPU through a local llama.cpp server.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.root, "root", "", "Project root for context files (default: git root or current directory)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&flags),
		runCmd(&flags),
		chatCmd(&flags),
		modelsCmd(&flags),
		initCmd(&flags),
		versionCmd(),
	)
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := startApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			logger.Info("Localcoder ready", "version", Version, "addr", cfg.Server.Addr, "root", cfg.Context.Root)
			return app.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runCmd(flags *globalFlags) *cobra.Command {
	var contextFile string

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run the pipeline once and print every stage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := startApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			return app.RunOnce(ctx, strings.Join(args, " "), contextFile, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&contextFile, "context-file", "", "Project file to pass as context")
	return cmd
}

func chatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := startApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			return app.RunREPL(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func modelsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model files in the model directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(flags)
			if err != nil {
				return err
			}

			dir := cfg.ModelDir()
			files, err := model.List(dir, cfg.Model.Extension)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintf(out, "No *%s files in %s\n", cfg.Model.Extension, dir)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tPATH")
			for i, f := range files {
				name := f.Name
				if i == 0 && cfg.Model.Path == "" {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, formatSize(f.Size), f.Path)
			}
			return w.Flush()
		},
	}
}

func initCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default user config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(newLogger(flags.logLevel))
			path, created, err := loader.EnsureUserConfig()
			if err != nil {
				return err
			}

			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists: %s\n", path)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// setup configures logging and loads the configuration.
func setup(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	logger := newLogger(flags.logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(flags *globalFlags, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)

	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = loader.LoadFile(flags.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.root != "" {
		root, err := filepath.Abs(flags.root)
		if err != nil {
			return nil, fmt.Errorf("resolve root: %w", err)
		}
		cfg.Context.Root = root
	}
	return cfg, nil
}

func startApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return nil, err
	}
	return app, nil
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
