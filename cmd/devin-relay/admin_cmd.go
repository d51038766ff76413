package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/devin"
)

type adminAPI interface {
	ListSecrets(ctx context.Context) (*devin.ListSecretsResponse, error)
	DeleteSecret(ctx context.Context, secretID string) error
	ListAuditLogs(ctx context.Context, opts devin.AuditLogOptions) (*devin.ListAuditLogsResponse, error)
	GetEnterpriseConsumption(ctx context.Context, start, end string) (devin.Consumption, error)
	UploadAttachment(ctx context.Context, path string) (string, error)
}

func handleSecrets(configPath string, args []string) {
	if len(args) == 0 {
		printSecretsHelp()
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("secrets "+sub, flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	if err := fs.Parse(normalizeArgs(fs, rest)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)

	var run func(context.Context, adminAPI) error
	switch sub {
	case "list", "ls":
		run = func(ctx context.Context, api adminAPI) error { return runSecretsList(ctx, api, out) }
	case "delete", "rm":
		if fs.NArg() != 1 {
			out.Error("secret id is required", ErrCodeInvalidInput)
			os.Exit(1)
		}
		run = func(ctx context.Context, api adminAPI) error { return runSecretsDelete(ctx, api, out, fs.Arg(0)) }
	case "help", "--help", "-h":
		printSecretsHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown secrets command: %s\n", sub)
		printSecretsHelp()
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := run(ctx, client); err != nil {
		os.Exit(1)
	}
}

func printSecretsHelp() {
	fmt.Println("Usage: devin-relay secrets <command> [--json]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  list          List secret metadata (values are never shown)")
	fmt.Println("  delete <id>   Delete a secret")
}

func runSecretsList(ctx context.Context, api adminAPI, out *CLIOutput) error {
	resp, err := api.ListSecrets(ctx)
	if err != nil {
		out.Error("failed to list secrets: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	secrets := resp.Secrets
	if secrets == nil {
		secrets = []devin.Secret{}
	}
	if len(secrets) == 0 {
		out.Print("No secrets.\n", secrets)
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s\n", padRight("ID", 30), padRight("NAME", 30), padRight("TYPE", 14), "CREATED")
	for _, s := range secrets {
		fmt.Fprintf(&b, "%s %s %s %s\n", padRight(s.SecretID, 30), padRight(s.SecretName, 30), padRight(s.SecretType, 14), s.CreatedAt)
	}
	out.Print(b.String(), secrets)
	return nil
}

func runSecretsDelete(ctx context.Context, api adminAPI, out *CLIOutput, secretID string) error {
	if err := api.DeleteSecret(ctx, secretID); err != nil {
		out.Error("failed to delete secret: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	out.Success("Deleted secret "+secretID, map[string]any{"success": true, "secret_id": secretID})
	return nil
}

func handleAuditLogs(configPath string, args []string) {
	fs := flag.NewFlagSet("audit-logs", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	limit := fs.Int("limit", 100, "Maximum entries")
	before := fs.String("before", "", "Only entries before this ISO 8601 time")
	after := fs.String("after", "", "Only entries after this ISO 8601 time")
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay audit-logs [options]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	opts := devin.AuditLogOptions{Limit: *limit, Before: *before, After: *after}
	if err := runAuditLogs(ctx, client, out, opts); err != nil {
		os.Exit(1)
	}
}

func runAuditLogs(ctx context.Context, api adminAPI, out *CLIOutput, opts devin.AuditLogOptions) error {
	resp, err := api.ListAuditLogs(ctx, opts)
	if err != nil {
		out.Error("failed to list audit logs: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	entries := resp.AuditLogs
	if entries == nil {
		entries = []devin.AuditLogEntry{}
	}
	var b strings.Builder
	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "%s  %s", ts, padRight(e.Action, 28))
		if e.UserID != "" {
			fmt.Fprintf(&b, "  user=%s", e.UserID)
		}
		if e.SessionID != "" {
			fmt.Fprintf(&b, "  session=%s", e.SessionID)
		}
		if e.IP != "" {
			fmt.Fprintf(&b, "  ip=%s", e.IP)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nTotal: %d entries\n", len(entries))
	out.Print(b.String(), entries)
	return nil
}

func handleConsumption(configPath string, args []string) {
	fs := flag.NewFlagSet("consumption", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	start := fs.String("start", "", "Start date (YYYY-MM-DD)")
	end := fs.String("end", "", "End date (YYYY-MM-DD)")
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay consumption --start YYYY-MM-DD --end YYYY-MM-DD")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if err := validateDateRange(*start, *end); err != nil {
		out.Error(err.Error(), ErrCodeInvalidInput)
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := runConsumption(ctx, client, out, *start, *end); err != nil {
		os.Exit(1)
	}
}

func validateDateRange(start, end string) error {
	if start == "" || end == "" {
		return fmt.Errorf("--start and --end are required")
	}
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return fmt.Errorf("--start: expected YYYY-MM-DD, got %q", start)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return fmt.Errorf("--end: expected YYYY-MM-DD, got %q", end)
	}
	if e.Before(s) {
		return fmt.Errorf("--end is before --start")
	}
	return nil
}

func runConsumption(ctx context.Context, api adminAPI, out *CLIOutput, start, end string) error {
	report, err := api.GetEnterpriseConsumption(ctx, start, end)
	if err != nil {
		out.Error("failed to get consumption: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Consumption %s to %s\n", start, end)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, report[k])
	}
	out.Print(b.String(), report)
	return nil
}

func handleAttach(configPath string, args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay attach <file>")
		fmt.Println("Uploads the file and prints the URL to reference in a prompt.")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if fs.NArg() != 1 {
		out.Error("file path is required", ErrCodeInvalidInput)
		os.Exit(1)
	}

	client := newDevinClient(loadConfig(configPath))
	ctx, cancel := context.WithTimeout(context.Background(), 5*cliTimeout)
	defer cancel()
	if err := runAttach(ctx, client, out, fs.Arg(0)); err != nil {
		os.Exit(1)
	}
}

func runAttach(ctx context.Context, api adminAPI, out *CLIOutput, path string) error {
	if _, err := os.Stat(path); err != nil {
		out.Error(fmt.Sprintf("cannot read %s: %v", path, err), ErrCodeNotFound)
		return err
	}
	url, err := api.UploadAttachment(ctx, path)
	if err != nil {
		out.Error("upload failed: "+devin.UserMessage(err), apiErrorCode(err))
		return err
	}
	if out.jsonMode {
		out.printJSON(map[string]any{"success": true, "url": url})
		return nil
	}
	if out.quietMode {
		// Quiet mode still prints the URL so scripts can capture it.
		fmt.Fprintln(out.out, url)
		return nil
	}
	out.Print(fmt.Sprintf("%s Uploaded %s\nReference it in a prompt as: ATTACHMENT:\"%s\"\n", successSymbol, path, url), nil)
	return nil
}
