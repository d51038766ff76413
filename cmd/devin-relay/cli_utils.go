package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	"golang.org/x/term"

	"github.com/asheshgoplani/devin-relay/internal/devin"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "session show devin-123 --json" would silently ignore --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			// Non-bool flags consume the next arg as their value
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
	out       io.Writer
	errOut    io.Writer
}

// NewCLIOutput creates a new CLI output handler writing to stdout/stderr.
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, quietMode: quietMode, out: os.Stdout, errOut: os.Stderr}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", successSymbol, message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]any{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(c.errOut, "Error: %s\n", message)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Fprint(c.out, humanOutput)
}

func (c *CLIOutput) printJSON(data any) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(c.errOut, "Error: failed to format JSON: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	bulletSymbol  = "•"
)

// Error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeAPI          = "API_ERROR"
	ErrCodeNetwork      = "NETWORK_ERROR"
	ErrCodeStorage      = "STORAGE_ERROR"
	ErrCodeConfig       = "CONFIG_ERROR"
)

// apiErrorCode maps a Devin client error to a CLI error code.
func apiErrorCode(err error) string {
	var netErr *devin.NetworkError
	if errors.As(err, &netErr) {
		return ErrCodeNetwork
	}
	return ErrCodeAPI
}

// truncate clips s to width display cells, appending "..." when cut.
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// padRight pads s with spaces to width display cells. Wide runes (CJK,
// emoji) count double, which %-*s gets wrong.
func padRight(s string, width int) string {
	return runewidth.FillRight(truncate(s, width), width)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var (
	styleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7"))
	styleBlocked  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")).Bold(true)
	styleFinished = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	styleStopped  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
)

// colorStatus styles a padded status cell. Color is applied after padding
// so escape codes never affect column widths.
func colorStatus(status string, width int, color bool) string {
	cell := padRight(status, width)
	if !color {
		return cell
	}
	switch status {
	case "working", "running", "resumed":
		return styleRunning.Render(cell)
	case "blocked", "suspended":
		return styleBlocked.Render(cell)
	case "finished":
		return styleFinished.Render(cell)
	case "stopped", "expired":
		return styleStopped.Render(cell)
	default:
		return styleDim.Render(cell)
	}
}

// filterSessions keeps sessions whose title (or ID) fuzzy-matches query,
// best match first. An empty query returns sessions unchanged.
func filterSessions(sessions []devin.Session, query string) []devin.Session {
	query = strings.TrimSpace(query)
	if query == "" {
		return sessions
	}
	matches := fuzzy.FindFrom(query, sessionSource(sessions))
	out := make([]devin.Session, 0, len(matches))
	for _, m := range matches {
		out = append(out, sessions[m.Index])
	}
	return out
}

type sessionSource []devin.Session

func (s sessionSource) String(i int) string {
	if s[i].Title != "" {
		return s[i].Title
	}
	return s[i].SessionID
}

func (s sessionSource) Len() int { return len(s) }
