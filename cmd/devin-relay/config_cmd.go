package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/asheshgoplani/devin-relay/internal/config"
)

func handleConfig(configPath string, args []string) {
	if len(args) == 0 {
		printConfigHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "init":
		handleConfigInit(configPath, args[1:])
	case "show":
		handleConfigShow(configPath, args[1:])
	case "path":
		path, err := resolveConfigPath(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(path)
	case "help", "--help", "-h":
		printConfigHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config command: %s\n", args[0])
		printConfigHelp()
		os.Exit(1)
	}
}

func printConfigHelp() {
	fmt.Println("Usage: devin-relay config <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init [--force]   Write a config.toml with every default spelled out")
	fmt.Println("  show [--json]    Print the effective configuration (secrets redacted)")
	fmt.Println("  path             Print the config file location")
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.Path()
}

func handleConfigInit(configPath string, args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := runConfigInit(path, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Wrote %s\n", successSymbol, path)
}

func runConfigInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return config.Save(config.Default(), path)
}

func handleConfigShow(configPath string, args []string) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	cfg := loadConfig(configPath)
	out := NewCLIOutput(*jsonOut, false)
	out.Print(formatConfig(cfg), redactedConfig(cfg))
}

func redact(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 4)
}

func redactedConfig(cfg *config.Config) map[string]any {
	return map[string]any{
		"path":              cfg.Path,
		"devin":             cfg.Devin,
		"discord":           cfg.Discord,
		"monitor":           cfg.Monitor,
		"relay":             cfg.Relay,
		"storage":           cfg.Storage,
		"logs":              cfg.Logs,
		"http":              map[string]any{"listen": cfg.HTTP.Listen, "token": redact(cfg.HTTP.Token)},
		"updates":           cfg.Updates,
		"discord_bot_token": redact(cfg.DiscordToken),
		"devin_api_key":     redact(cfg.DevinAPIKey),
	}
}

func formatConfig(cfg *config.Config) string {
	var b strings.Builder
	src := cfg.Path
	if src == "" {
		src = "(defaults, no file)"
	}
	fmt.Fprintf(&b, "Config:            %s\n", src)
	fmt.Fprintf(&b, "Devin API:         %s (timeout %s)\n", cfg.Devin.APIBase, cfg.DevinTimeout())
	fmt.Fprintf(&b, "Discord API:       %s\n", cfg.Discord.APIBase)
	fmt.Fprintf(&b, "Gateway:           %s\n", cfg.Discord.GatewayURL)
	fmt.Fprintf(&b, "Poll:              every %s, timeout %s, output limit %d\n", cfg.PollInterval(), cfg.PollTimeout(), cfg.Monitor.OutputLimit)
	fmt.Fprintf(&b, "Resume on start:   %t (window %s)\n", cfg.Monitor.ResumeOnStart, cfg.ResumeWindow())
	fmt.Fprintf(&b, "Keywords:          aside=%s mute=%s unmute=%s\n", cfg.Relay.AsideKeyword, cfg.Relay.MuteKeyword, cfg.Relay.UnmuteKeyword)
	fmt.Fprintf(&b, "Database:          %s\n", cfg.Storage.DBPath)
	fmt.Fprintf(&b, "Logs:              dir=%q level=%s format=%s\n", cfg.Logs.Dir, cfg.Logs.Level, cfg.Logs.Format)
	fmt.Fprintf(&b, "HTTP:              %q\n", cfg.HTTP.Listen)
	fmt.Fprintf(&b, "Update check:      on start %t, every %s\n", cfg.Updates.CheckOnStart, cfg.UpdateInterval())
	fmt.Fprintf(&b, "DISCORD_BOT_TOKEN: %s\n", redact(cfg.DiscordToken))
	fmt.Fprintf(&b, "DEVIN_API_KEY:     %s\n", redact(cfg.DevinAPIKey))
	return b.String()
}
