package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/config"
	"github.com/asheshgoplani/devin-relay/internal/devin"
)

const cliTimeout = 60 * time.Second

// sessionAPI is the part of the Devin client the session commands use.
type sessionAPI interface {
	GetSession(ctx context.Context, sessionID string) (*devin.Session, error)
	ListSessions(ctx context.Context, opts devin.ListSessionsOptions) (*devin.ListSessionsResponse, error)
	SendMessage(ctx context.Context, sessionID, text string) error
	UpdateSessionTags(ctx context.Context, sessionID string, tags []string) error
}

// newDevinClient builds a client for one-shot CLI commands. Exits 1 when the
// API key is missing.
func newDevinClient(cfg *config.Config) *devin.Client {
	if err := cfg.RequireDevinKey(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return devin.New(devin.Config{
		BaseURL:           cfg.Devin.APIBase,
		APIKey:            cfg.DevinAPIKey,
		Timeout:           cfg.DevinTimeout(),
		RequestsPerSecond: cfg.Devin.RequestsPerSecond,
	})
}

// handleSession dispatches session subcommands
func handleSession(configPath string, args []string) {
	if len(args) == 0 {
		printSessionHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		handleSessionShow(configPath, args[1:])
	case "list", "ls":
		handleSessionList(configPath, args[1:])
	case "send":
		handleSessionSend(configPath, args[1:])
	case "tags":
		handleSessionTags(configPath, args[1:])
	case "help", "--help", "-h":
		printSessionHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown session command: %s\n", args[0])
		printSessionHelp()
		os.Exit(1)
	}
}

func printSessionHelp() {
	fmt.Println("Usage: devin-relay session <command> [options]")
	fmt.Println()
	fmt.Println("Inspect and drive Devin sessions.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  show <id>               Show session details and structured output")
	fmt.Println("  list                    List sessions (--limit, --offset, --tag, --filter)")
	fmt.Println("  send <id> <message>     Send a message to a session")
	fmt.Println("  tags <id> <tag>...      Replace a session's tags")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --json                 Output as JSON")
	fmt.Println("  -q, --quiet            Minimal output (exit codes only)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  devin-relay session show devin-0123abcd")
	fmt.Println("  devin-relay session list --filter login --limit 20")
	fmt.Println("  devin-relay session send devin-0123abcd \"please add tests\"")
}

// outputFlags registers the shared --json / -q / --quiet flags.
func outputFlags(fs *flag.FlagSet) (jsonOut, quiet, quietShort *bool) {
	return fs.Bool("json", false, "Output as JSON"),
		fs.Bool("quiet", false, "Minimal output"),
		fs.Bool("q", false, "Minimal output (short)")
}

func handleSessionShow(configPath string, args []string) {
	fs := flag.NewFlagSet("session show", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay session show <id> [options]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if fs.NArg() != 1 {
		out.Error("session id is required", ErrCodeInvalidInput)
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := runSessionShow(ctx, client, out, fs.Arg(0)); err != nil {
		os.Exit(1)
	}
}

func runSessionShow(ctx context.Context, api sessionAPI, out *CLIOutput, sessionID string) error {
	s, err := api.GetSession(ctx, sessionID)
	if err != nil {
		out.Error(fmt.Sprintf("failed to get details for session %s: %s", sessionID, devin.UserMessage(err)), apiErrorCode(err))
		return err
	}
	out.Print(formatSessionDetails(s), s)
	return nil
}

func formatSessionDetails(s *devin.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:  %s\n", s.SessionID)
	if s.Title != "" {
		fmt.Fprintf(&b, "Title:    %s\n", s.Title)
	}
	fmt.Fprintf(&b, "Status:   %s", s.StatusLabel())
	if s.Status != "" && s.Status != s.StatusEnum {
		fmt.Fprintf(&b, " (%s)", s.Status)
	}
	b.WriteString("\n")
	if s.CreatedAt != "" {
		fmt.Fprintf(&b, "Created:  %s\n", s.CreatedAt)
	}
	if s.UpdatedAt != "" {
		fmt.Fprintf(&b, "Updated:  %s\n", s.UpdatedAt)
	}
	if len(s.Tags) > 0 {
		fmt.Fprintf(&b, "Tags:     %s\n", strings.Join(s.Tags, ", "))
	}
	if s.PullRequest != nil && s.PullRequest.URL != "" {
		fmt.Fprintf(&b, "PR:       %s\n", s.PullRequest.URL)
	}
	if s.HasStructuredOutput() {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, s.StructuredOutput, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(s.StructuredOutput)
		}
		fmt.Fprintf(&b, "\nStructured output:\n%s\n", pretty.String())
	}
	return b.String()
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func handleSessionList(configPath string, args []string) {
	fs := flag.NewFlagSet("session list", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	limit := fs.Int("limit", 100, "Maximum sessions to fetch")
	offset := fs.Int("offset", 0, "Sessions to skip")
	filter := fs.String("filter", "", "Fuzzy filter on session title")
	var tags stringList
	fs.Var(&tags, "tag", "Only sessions with this tag (repeatable)")
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay session list [options]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if *limit <= 0 || *offset < 0 {
		out.Error("--limit must be positive and --offset non-negative", ErrCodeInvalidInput)
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	opts := devin.ListSessionsOptions{Limit: *limit, Offset: *offset, Tags: tags}
	if err := runSessionList(ctx, client, out, opts, *filter, isTerminal(os.Stdout)); err != nil {
		os.Exit(1)
	}
}

func runSessionList(ctx context.Context, api sessionAPI, out *CLIOutput, opts devin.ListSessionsOptions, filter string, color bool) error {
	resp, err := api.ListSessions(ctx, opts)
	if err != nil {
		out.Error("failed to list sessions: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	sessions := filterSessions(resp.Sessions, filter)
	if sessions == nil {
		sessions = []devin.Session{}
	}

	if len(sessions) == 0 {
		out.Print("No sessions found.\n", sessions)
		return nil
	}
	var b strings.Builder
	writeSessionTable(&b, sessions, color)
	out.Print(b.String(), sessions)
	return nil
}

func writeSessionTable(w io.Writer, sessions []devin.Session, color bool) {
	fmt.Fprintf(w, "%s %s %s %s\n",
		padRight("ID", tableColID), padRight("STATUS", tableColStatus), padRight("TITLE", tableColTitle), "UPDATED")
	fmt.Fprintln(w, strings.Repeat("-", tableColID+tableColStatus+tableColTitle+23))
	for i := range sessions {
		s := &sessions[i]
		fmt.Fprintf(w, "%s %s %s %s\n",
			padRight(s.SessionID, tableColID),
			colorStatus(s.StatusLabel(), tableColStatus, color),
			padRight(s.Title, tableColTitle),
			s.UpdatedAt)
	}
	fmt.Fprintf(w, "\nTotal: %d sessions\n", len(sessions))
}

func handleSessionSend(configPath string, args []string) {
	fs := flag.NewFlagSet("session send", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay session send <id> <message>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if fs.NArg() < 2 {
		out.Error("session id and message are required", ErrCodeInvalidInput)
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := runSessionSend(ctx, client, out, fs.Arg(0), strings.Join(fs.Args()[1:], " ")); err != nil {
		os.Exit(1)
	}
}

func runSessionSend(ctx context.Context, api sessionAPI, out *CLIOutput, sessionID, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		out.Error("message is empty", ErrCodeInvalidInput)
		return fmt.Errorf("empty message")
	}
	if err := api.SendMessage(ctx, sessionID, message); err != nil {
		out.Error("failed to send message: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	out.Success(fmt.Sprintf("Sent message to %s", sessionID), map[string]any{
		"success":    true,
		"session_id": sessionID,
	})
	return nil
}

func handleSessionTags(configPath string, args []string) {
	fs := flag.NewFlagSet("session tags", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay session tags <id> <tag>...")
		fmt.Println("Replaces the session's tags; pass no tags to clear them.")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if fs.NArg() < 1 {
		out.Error("session id is required", ErrCodeInvalidInput)
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := runSessionTags(ctx, client, out, fs.Arg(0), fs.Args()[1:]); err != nil {
		os.Exit(1)
	}
}

func runSessionTags(ctx context.Context, api sessionAPI, out *CLIOutput, sessionID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	if err := api.UpdateSessionTags(ctx, sessionID, tags); err != nil {
		out.Error("failed to update tags: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	out.Success(fmt.Sprintf("Set %d tag(s) on %s", len(tags), sessionID), map[string]any{
		"success":    true,
		"session_id": sessionID,
		"tags":       tags,
	})
	return nil
}
