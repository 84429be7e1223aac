package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quillshell/quill/internal/broker"
	"github.com/quillshell/quill/internal/config"
	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/executor"
	"github.com/quillshell/quill/internal/loop"
	"github.com/quillshell/quill/internal/model"
	"github.com/quillshell/quill/internal/registry"
	"github.com/quillshell/quill/internal/remote"
	"github.com/quillshell/quill/internal/session"
	"github.com/quillshell/quill/internal/tools/fileedit"
	"github.com/quillshell/quill/internal/tools/shell"
	"github.com/quillshell/quill/internal/ui"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "quill [input]",
	Short: "An agent shell for your terminal",
	Long: `
 ██████╗ ██╗   ██╗██╗██╗     ██╗
██╔═══██╗██║   ██║██║██║     ██║
██║   ██║██║   ██║██║██║     ██║
██║▄▄ ██║██║   ██║██║██║     ██║
╚██████╔╝╚██████╔╝██║███████╗███████╗
 ╚══▀▀═╝  ╚═════╝ ╚═╝╚══════╝╚══════╝

  An agent shell: chat with a model that can read and edit files
  and run commands in your workspace.

Usage:
  quill                      # interactive shell
  quill "fix the failing test in internal/parser"`,

	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 {
			runOneShot(args)
			return
		}
		runInteractive()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInteractive() {
	app := initApp()
	defer app.Close()
	if err := ui.Run(app.controller, app.broker); err != nil {
		printError("UI failed", err)
		os.Exit(1)
	}
}

func runOneShot(args []string) {
	input := strings.Join(args, " ")
	app := initApp()
	defer app.Close()
	if err := ui.RunOneShot(app.controller, app.broker, input); err != nil {
		os.Exit(1)
	}
}

// app holds the wired components for one process.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	controller *session.Controller
	broker     *broker.Broker
	servers    []*remote.Client
}

func (a *app) Close() {
	a.controller.CancelCurrent()
	for _, srv := range a.servers {
		if err := srv.Close(); err != nil {
			a.logger.Warn("close tool server", zap.String("server", srv.ID()), zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// initApp loads config and wires registry, executor, provider, loop, and
// session into a ready application.
func initApp() *app {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	logger := createLogger(cfg.LogLevel)

	reg := registry.New(logger)
	for _, def := range fileedit.Definitions(fileedit.Config{Root: cfg.Workspace.Root}) {
		if err := reg.Register(def); err != nil {
			printError("Failed to register file tools", err)
			os.Exit(1)
		}
	}
	if err := reg.Register(shell.Definition(shell.Config{
		WorkingRoot: cfg.Workspace.Root,
		Denylist:    cfg.Shell.Denylist,
		Timeout:     cfg.ShellTimeout(),
	})); err != nil {
		printError("Failed to register terminal tool", err)
		os.Exit(1)
	}

	servers := connectServers(cfg, reg, logger)

	apiKey := cfg.APIKey()
	if apiKey == "" {
		printError("No API key", fmt.Errorf("environment variable %s is not set", cfg.Model.APIKeyEnv))
		printKeyHelp(cfg)
		os.Exit(1)
	}
	provider, err := model.NewAnthropicProvider(model.AnthropicConfig{
		APIKey:    apiKey,
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
		System:    cfg.Model.System,
	}, logger)
	if err != nil {
		printError("Failed to initialize model provider", err)
		os.Exit(1)
	}

	conv := conversation.New()
	b := broker.New(0, logger)
	exec := executor.New(reg, executor.Config{Timeout: cfg.ToolTimeout()}, logger)
	lp := loop.New(provider, reg, exec, conv, b, loop.Config{
		MaxIterations: cfg.Run.MaxIterations,
		Concurrency:   cfg.Run.Concurrency,
	}, logger)
	controller := session.New(lp, conv, b, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		broker:     b,
		servers:    servers,
	}
}

// connectServers attaches the external tool servers from the manifest. A
// server that fails to connect is skipped with a warning; the shell stays
// usable with its built-in tools.
func connectServers(cfg *config.Config, reg *registry.Registry, logger *zap.Logger) []*remote.Client {
	manifest, err := remote.LoadManifest(cfg.ServersFile)
	if err != nil {
		fmt.Printf("Warning: Could not load tool servers: %v\n", err)
		return nil
	}

	var servers []*remote.Client
	for _, srvCfg := range manifest.Servers {
		client := remote.NewClient(srvCfg, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.Connect(ctx)
		cancel()
		if err != nil {
			fmt.Printf("Warning: Tool server %q unavailable: %v\n", srvCfg.ID, err)
			continue
		}

		defs := client.Definitions()
		if err := reg.RegisterServer(client.ID(), defs); err != nil {
			fmt.Printf("Warning: Tool server %q rejected: %v\n", srvCfg.ID, err)
			_ = client.Close()
			continue
		}
		logger.Info("tool server connected",
			zap.String("server", client.ID()),
			zap.Int("tools", len(defs)))
		servers = append(servers, client)
	}
	return servers
}

func createLogger(level string) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	// Keep the TUI clean; logs go to stderr only.
	cfg.OutputPaths = []string{"stderr"}
	logger, _ := cfg.Build()
	return logger
}

func printError(msg string, err error) {
	fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).
		Render(fmt.Sprintf("Error: %s: %v", msg, err)))
}

func printKeyHelp(cfg *config.Config) {
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	cmdStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))

	fmt.Println()
	fmt.Println(helpStyle.Render("Set your API key:"))
	fmt.Println(cmdStyle.Render("  export " + cfg.Model.APIKeyEnv + "=sk-..."))
	fmt.Println()
	fmt.Println(helpStyle.Render("Or point model.api_key_env at a different variable in your config."))
}
