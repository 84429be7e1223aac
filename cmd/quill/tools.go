package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/config"
	"github.com/quillshell/quill/internal/registry"
	"github.com/quillshell/quill/internal/tools/fileedit"
	"github.com/quillshell/quill/internal/tools/shell"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List available tools",
	Long: `List the tools the agent can invoke.

Built-in tools cover file editing and command execution inside the
workspace. External tool servers from the manifest are listed too when
they can be reached.

Examples:
  quill tools           # List all tools
  quill tools --verbose # Show input schemas`,
	Run: func(cmd *cobra.Command, args []string) {
		runTools()
	},
}

func runTools() {
	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7C3AED")).
		Bold(true)

	toolStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F59E0B")).
		Bold(true)

	descStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#9CA3AF"))

	schemaStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#06B6D4"))

	serverStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)

	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	logger := zap.NewNop()
	reg := registry.New(logger)
	for _, def := range fileedit.Definitions(fileedit.Config{Root: cfg.Workspace.Root}) {
		_ = reg.Register(def)
	}
	_ = reg.Register(shell.Definition(shell.Config{
		WorkingRoot: cfg.Workspace.Root,
		Denylist:    cfg.Shell.Denylist,
		Timeout:     cfg.ShellTimeout(),
	}))
	servers := connectServers(cfg, reg, logger)
	defer func() {
		for _, srv := range servers {
			_ = srv.Close()
		}
	}()

	fmt.Println(headerStyle.Render("Available Tools"))
	fmt.Println()

	for _, def := range reg.List() {
		fmt.Printf("  %s", toolStyle.Render(def.Name))
		if def.Server != "" {
			fmt.Printf("  %s", serverStyle.Render("["+def.Server+"]"))
		}
		fmt.Println()
		fmt.Printf("    %s\n", descStyle.Render(def.Description))

		if verbose && len(def.Schema) > 0 {
			var pretty json.RawMessage = def.Schema
			if out, err := json.MarshalIndent(pretty, "    ", "  "); err == nil {
				fmt.Printf("    %s\n", schemaStyle.Render(string(out)))
			}
		}
		fmt.Println()
	}

	fmt.Println(descStyle.Render(fmt.Sprintf("  Total: %d tools available", len(reg.List()))))
	if !verbose {
		fmt.Println(descStyle.Render("  Use --verbose for input schemas"))
	}
}
