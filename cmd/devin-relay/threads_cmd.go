package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/statedb"
)

func handleThreads(configPath string, args []string) {
	if len(args) > 0 && args[0] == "import" {
		handleThreadsImport(configPath, args[1:])
		return
	}
	if len(args) > 0 && (args[0] == "list" || args[0] == "ls") {
		args = args[1:]
	}

	fs := flag.NewFlagSet("threads", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	since := fs.Duration("since", 0, "Only threads created within this duration (e.g. 24h); 0 lists all")
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay threads [list] [--since 24h] [--json]")
		fmt.Println("       devin-relay threads import <scan.json>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)

	db, err := openStore(loadConfig(configPath).Storage.DBPath)
	if err != nil {
		out.Error(err.Error(), ErrCodeStorage)
		os.Exit(1)
	}
	defer db.Close()

	if err := runThreadsList(db, out, *since, time.Now()); err != nil {
		db.Close()
		os.Exit(1)
	}
}

func openStore(path string) (*statedb.StateDB, error) {
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

type threadJSON struct {
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	Muted     bool      `json:"muted"`
	CreatedAt time.Time `json:"created_at"`
}

func runThreadsList(db *statedb.StateDB, out *CLIOutput, since time.Duration, now time.Time) error {
	var cutoff time.Time
	if since > 0 {
		cutoff = now.Add(-since)
	}
	rows, err := db.ListThreads(cutoff)
	if err != nil {
		out.Error(err.Error(), ErrCodeStorage)
		return err
	}

	items := make([]threadJSON, 0, len(rows))
	for _, r := range rows {
		items = append(items, threadJSON{ThreadID: r.ThreadID, SessionID: r.SessionID, Muted: r.Muted, CreatedAt: r.CreatedAt.UTC()})
	}
	if len(items) == 0 {
		out.Print("No threads found.\n", items)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s\n", padRight("THREAD", tableColThread), padRight("SESSION", tableColID), padRight("MUTED", 6), "CREATED")
	for _, it := range items {
		muted := ""
		if it.Muted {
			muted = "yes"
		}
		fmt.Fprintf(&b, "%s %s %s %s\n",
			padRight(it.ThreadID, tableColThread), padRight(it.SessionID, tableColID), padRight(muted, 6),
			it.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\nTotal: %d threads\n", len(items))
	out.Print(b.String(), items)
	return nil
}

func handleThreadsImport(configPath string, args []string) {
	fs := flag.NewFlagSet("threads import", flag.ExitOnError)
	jsonOut, quiet, quietShort := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: devin-relay threads import <scan.json>")
		fmt.Println()
		fmt.Println("Imports `aws dynamodb scan --output json` from the previous deployment.")
		fmt.Println("Threads already in the database are left untouched.")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	out := NewCLIOutput(*jsonOut, *quiet || *quietShort)
	if fs.NArg() != 1 {
		out.Error("scan file is required", ErrCodeInvalidInput)
		os.Exit(1)
	}

	db, err := openStore(loadConfig(configPath).Storage.DBPath)
	if err != nil {
		out.Error(err.Error(), ErrCodeStorage)
		os.Exit(1)
	}
	defer db.Close()

	if err := runThreadsImport(db, out, fs.Arg(0)); err != nil {
		db.Close()
		os.Exit(1)
	}
}

func runThreadsImport(db *statedb.StateDB, out *CLIOutput, path string) error {
	imported, skipped, err := statedb.ImportDynamoScan(path, db)
	if err != nil {
		out.Error(err.Error(), ErrCodeStorage)
		return err
	}
	out.Success(fmt.Sprintf("Imported %d thread(s), skipped %d", imported, skipped), map[string]any{
		"success":  true,
		"imported": imported,
		"skipped":  skipped,
	})
	return nil
}
