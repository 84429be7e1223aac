package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quillshell/quill/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or edit configuration",
	Long:  "View current configuration or create a default config file.",
	Run:   runConfig,
}

var (
	configInit bool
	configShow bool
)

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Create default config file")
	configCmd.Flags().BoolVar(&configShow, "show", true, "Show current configuration")
}

func runConfig(cmd *cobra.Command, args []string) {
	if configInit {
		initConfig()
		return
	}
	if configShow {
		showConfig()
	}
}

func initConfig() {
	dir, err := config.ConfigDir()
	if err != nil {
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).
			Render(fmt.Sprintf("Failed to locate config dir: %v", err)))
		os.Exit(1)
	}
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil {
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).
			Render(path + " already exists. Use --show to view it."))
		return
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).
			Render(fmt.Sprintf("Failed to create config: %v", err)))
		os.Exit(1)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).
		Render("Created " + path + " with default settings."))
	fmt.Println("\nEdit this file to configure:")
	fmt.Println("  - Model name and API key variable")
	fmt.Println("  - Workspace root for file tools")
	fmt.Println("  - Shell denylist and timeouts")
	fmt.Println("  - External tool server manifest")
}

func showConfig() {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).
			Render("No usable config file found. Showing defaults:\n"))
	} else {
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true).
			Render("Current Configuration:\n"))
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(string(data))

	fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).
		Render("\nConfig file locations (in order of precedence):"))
	fmt.Println("  1. --config flag")
	fmt.Println("  2. ./quill.yaml")
	fmt.Println("  3. ~/.quill/config.yaml")
	fmt.Println("\nEnvironment overrides use the QUILL_ prefix, e.g. QUILL_MODEL_NAME.")
}
