package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/credentials"
)

var flagConfigForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

// credentialNames lists the secrets each provider reads.
var credentialNames = map[string][]string{
	config.ProviderOpenAI:      {"OPENAI_API_KEY"},
	config.ProviderOpenRouter:  {"OPENROUTER_API_KEY"},
	config.ProviderHuggingFace: {"HUGGINGFACE_API_TOKEN", "HUGGINGFACE_API_KEY", "HF_TOKEN"},
	config.ProviderClaudeAI:    {"CLAUDE_SESSION_KEY"},
}

func init() {
	configInitCmd.Flags().BoolVar(&flagConfigForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Printf("  Config file: %s\n", path)
	if config.Exists() || flagConfig != "" {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [General]")
	fmt.Printf("    Data directory:   %s\n", cfg.DataDir())
	fmt.Printf("    Claude directory: %s\n", cfg.ClaudeDir())
	fmt.Printf("    Credentials file: %s\n", cfg.EnvFile())
	fmt.Println()

	creds, err := credentials.Load(cfg.EnvFile())
	if err != nil {
		return err
	}

	fmt.Println("  [Providers]")
	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		state := "disabled"
		if cfg.ProviderEnabled(id) {
			state = "enabled"
		}
		line := fmt.Sprintf("    %-12s %-8s every %s", id, state, cfg.IntervalFor(id))
		if names, ok := credentialNames[id]; ok {
			keys := credentials.Keys(creds, names...)
			if len(keys) == 0 {
				line += "  no credentials"
			} else {
				line += fmt.Sprintf("  %d key(s), %s", len(keys), maskSecret(keys[0]))
			}
		}
		fmt.Println(line)
	}
	fmt.Println()

	fmt.Println("  [Budget]")
	plan := cfg.Budget.ResolvePlan(cfg.ClaudeDir())
	fmt.Printf("    Plan:          %s (configured %q)\n", plan.Plan, cfg.Budget.Plan)
	fmt.Printf("    Session limit: %d tokens\n", plan.SessionTokenLimit)
	if cfg.Budget.MonthlyUSD > 0 {
		fmt.Printf("    Monthly:       $%.0f\n", cfg.Budget.MonthlyUSD)
	}
	fmt.Println()

	fmt.Println("  [Dedup]")
	fmt.Printf("    Backend:   %s\n", cfg.Dedup.Backend)
	fmt.Printf("    Retention: %s\n", cfg.Dedup.Retention)
	if cfg.Dedup.Backend == "redis" {
		fmt.Printf("    Redis:     %s db %d prefix %q\n", cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.KeyPrefix)
	}
	fmt.Println()

	fmt.Println("  [Daemon]")
	fmt.Printf("    Address: %s\n", cfg.Daemon.Addr)
	fmt.Printf("    Logging: %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)
	fmt.Println()

	fmt.Println("  Run `spendwatch config init` to write a config file.")
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	if config.Exists() && !flagConfigForce {
		return errors.New("config file already exists; use --force to overwrite")
	}
	if err := config.Save(config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("  Wrote %s\n", config.ConfigPath())
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 12 {
		return "****"
	}
	return s[:8] + "..." + s[len(s)-4:]
}
