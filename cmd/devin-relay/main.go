package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/devin-relay/internal/config"
)

const Version = "0.3.0"

// Table column widths for list output
const (
	tableColID     = 38
	tableColStatus = 10
	tableColTitle  = 40
	tableColThread = 20
)

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
// DEVIN_RELAY_COLOR overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("DEVIN_RELAY_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	// Fallback: ANSI256 works over SSH and in older emulators
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	configPath, args := extractConfigFlag(os.Args[1:])

	if len(args) == 0 {
		handleRun(configPath, nil)
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		handleVersion(configPath, args[1:])
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(configPath, args[1:])
	case "session":
		handleSession(configPath, args[1:])
	case "secrets":
		handleSecrets(configPath, args[1:])
	case "audit-logs":
		handleAuditLogs(configPath, args[1:])
	case "consumption":
		handleConsumption(configPath, args[1:])
	case "attach":
		handleAttach(configPath, args[1:])
	case "threads":
		handleThreads(configPath, args[1:])
	case "config":
		handleConfig(configPath, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// extractConfigFlag pulls the global -c/--config flag out of args so each
// subcommand's FlagSet never sees it.
func extractConfigFlag(args []string) (string, []string) {
	var path string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-c=") {
			path = strings.TrimPrefix(arg, "-c=")
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			path = strings.TrimPrefix(arg, "--config=")
			continue
		}
		if (arg == "-c" || arg == "--config") && i+1 < len(args) {
			path = args[i+1]
			i++
			continue
		}
		remaining = append(remaining, arg)
	}
	return path, remaining
}

// loadConfig reads .env and config.toml for a subcommand. Errors exit 1.
func loadConfig(path string) *config.Config {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printHelp() {
	fmt.Printf("devin-relay v%s\n", Version)
	fmt.Println("Discord bot that relays threads to Devin sessions")
	fmt.Println()
	fmt.Println("Usage: devin-relay [-c config.toml] [command]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -c, --config <path>   Config file (default: $DEVIN_RELAY_CONFIG or ~/.devin-relay/config.toml)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), run                 Run the bot")
	fmt.Println("  session show <id>           Show a Devin session")
	fmt.Println("  session list                List Devin sessions")
	fmt.Println("  session send <id> <msg>     Send a message to a session")
	fmt.Println("  session tags <id> <tag>...  Replace a session's tags")
	fmt.Println("  secrets list                List organization secrets")
	fmt.Println("  secrets delete <id>         Delete a secret")
	fmt.Println("  audit-logs                  List audit log entries")
	fmt.Println("  consumption                 Show enterprise consumption")
	fmt.Println("  attach <file>               Upload a file for use in a prompt")
	fmt.Println("  threads                     List thread-to-session mappings")
	fmt.Println("  threads import <scan.json>  Import a DynamoDB scan export")
	fmt.Println("  config init                 Write a default config.toml")
	fmt.Println("  config show                 Print the effective configuration")
	fmt.Println("  version [--check]           Show version, optionally check for a newer release")
	fmt.Println("  help                        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DISCORD_BOT_TOKEN     Discord bot token (required by run)")
	fmt.Println("  DEVIN_API_KEY         Devin API key (required by run and API commands)")
	fmt.Println("  DEVIN_API_BASE        Override the Devin API base URL")
	fmt.Println("  SESSIONS_DB_PATH      SQLite path for the thread directory")
	fmt.Println("  DEVIN_RELAY_LOG_LEVEL debug, info, warn, error")
	fmt.Println("  DEVIN_RELAY_COLOR     Color mode: truecolor, 256, 16, none")
	fmt.Println()
	fmt.Println("A .env file in the working directory is loaded first.")
}
