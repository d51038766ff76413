package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/devin-relay/internal/config"
	"github.com/asheshgoplani/devin-relay/internal/devin"
	"github.com/asheshgoplani/devin-relay/internal/discord"
	"github.com/asheshgoplani/devin-relay/internal/logging"
	"github.com/asheshgoplani/devin-relay/internal/monitor"
	"github.com/asheshgoplani/devin-relay/internal/relay"
	"github.com/asheshgoplani/devin-relay/internal/statedb"
	"github.com/asheshgoplani/devin-relay/internal/update"
	"github.com/asheshgoplani/devin-relay/internal/web"
)

var relayLog = logging.ForComponent(logging.CompRelay)

func handleRun(configPath string, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	resume := fs.Bool("resume", false, "Re-attach monitors for recent threads on startup")
	listen := fs.String("listen", "", "Operability HTTP listen address (overrides [http] listen)")

	fs.Usage = func() {
		fmt.Println("Usage: devin-relay run [options]")
		fmt.Println()
		fmt.Println("Connect to Discord and relay mentions and thread messages to Devin.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(configPath)
	if *resume {
		cfg.Monitor.ResumeOnStart = true
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if err := cfg.RequireSecrets(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LoggingConfig(true))
	code := runBot(cfg)
	logging.Shutdown()
	os.Exit(code)
}

// bot is the wired process: one directory, one monitor manager, one
// dispatcher, one gateway.
type bot struct {
	cfg        *config.Config
	db         *statedb.StateDB
	dir        *relay.StoreDirectory
	monitors   *monitor.Manager
	dispatcher *relay.Dispatcher
	rest       *discord.REST
	gateway    *discord.Gateway
	web        *web.Server

	resumed atomic.Bool
}

func newBot(cfg *config.Config, db *statedb.StateDB) *bot {
	b := &bot{cfg: cfg, db: db, dir: relay.NewStoreDirectory(db)}

	client := devin.New(devin.Config{
		BaseURL:           cfg.Devin.APIBase,
		APIKey:            cfg.DevinAPIKey,
		Timeout:           cfg.DevinTimeout(),
		RequestsPerSecond: cfg.Devin.RequestsPerSecond,
	})
	b.rest = discord.NewREST(discord.RESTConfig{
		BaseURL:           cfg.Discord.APIBase,
		Token:             cfg.DiscordToken,
		RequestsPerSecond: cfg.Discord.RequestsPerSecond,
	})

	notifier := relay.NewNotifier(b.dir, b.rest)
	b.monitors = monitor.NewManager(client, notifier, monitor.Config{
		PollInterval: cfg.PollInterval(),
		PollTimeout:  cfg.PollTimeout(),
		OutputLimit:  cfg.Monitor.OutputLimit,
	})
	b.dispatcher = relay.NewDispatcher(b.dir, b.rest, client, b.monitors, relay.Config{
		Keywords: relay.Keywords{
			Aside:  cfg.Relay.AsideKeyword,
			Mute:   cfg.Relay.MuteKeyword,
			Unmute: cfg.Relay.UnmuteKeyword,
		},
		ThreadNameMax: cfg.Relay.ThreadNameMax,
	})
	b.gateway = discord.NewGateway(discord.GatewayConfig{
		URL:   cfg.Discord.GatewayURL,
		Token: cfg.DiscordToken,
	}, b.onReady, b.onMessage)

	if cfg.HTTP.Listen != "" {
		b.web = web.NewServer(web.Config{
			ListenAddr: cfg.HTTP.Listen,
			Token:      cfg.HTTP.Token,
			Monitors:   b.monitors,
			Gateway:    b.gateway,
			Threads:    b.dir,
			LogTail:    logging.Tail,
			Version:    Version,
		})
	}
	return b
}

type metaWriter interface {
	SetMeta(key, value string) error
}

// recordStart stamps the state DB with the start time and version. Both keys
// are attempted even when the first write fails.
func recordStart(db metaWriter, now time.Time) error {
	return errors.Join(
		db.SetMeta("last_start", strconv.FormatInt(now.Unix(), 10)),
		db.SetMeta("last_version", Version),
	)
}

// onReady runs on the gateway read loop; resume work is moved off it.
func (b *bot) onReady(ctx context.Context, r discord.Ready) {
	b.dispatcher.SetSelfID(r.User.ID)
	if b.cfg.Monitor.ResumeOnStart && b.resumed.CompareAndSwap(false, true) {
		go b.resumeMonitors(ctx)
	}
}

func (b *bot) onMessage(ctx context.Context, m discord.Message) {
	b.dispatcher.HandleMessage(ctx, toRelayMessage(ctx, b.rest, m))
}

// resumeMonitors re-attaches monitors for threads created inside the resume
// window. Each gets a fresh baseline; nothing is posted for the catch-up.
func (b *bot) resumeMonitors(ctx context.Context) {
	records, err := b.dir.Recent(b.cfg.ResumeWindow())
	if err != nil {
		relayLog.Error("resume_list_failed", slog.String("error", err.Error()))
		return
	}
	targets := make([]monitor.Target, 0, len(records))
	for _, rec := range records {
		targets = append(targets, monitor.Target{SessionID: rec.SessionID, ThreadID: rec.ThreadID})
	}
	n := b.monitors.Resume(ctx, targets)
	relayLog.Info("monitors_resumed",
		slog.Int("candidates", len(targets)),
		slog.Int("resumed", n),
		slog.Duration("window", b.cfg.ResumeWindow()))
}

// run blocks until ctx is cancelled or the gateway fails fatally.
func (b *bot) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.gateway.Run(gctx)
	})

	if b.web != nil {
		g.Go(b.web.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return b.web.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	b.monitors.StopAll()
	return err
}

func runBot(cfg *config.Config) (code int) {
	defer func() {
		if rec := recover(); rec != nil {
			dumpPath := writeCrashDump(cfg)
			relayLog.Error("panic", slog.String("recover", fmt.Sprint(rec)), slog.String("dump", dumpPath))
			fmt.Fprintf(os.Stderr, "Error: fatal: %v\n", rec)
			code = 2
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	watchDumpSignal(ctx, cfg)

	db, err := statedb.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := recordStart(db, time.Now()); err != nil {
		relayLog.Warn("state_meta_write_failed",
			slog.String("db", cfg.Storage.DBPath),
			slog.String("error", err.Error()))
	}

	b := newBot(cfg, db)
	relayLog.Info("relay_starting",
		slog.String("version", Version),
		slog.String("db", cfg.Storage.DBPath),
		slog.String("config", cfg.Path),
		slog.Bool("resume_on_start", cfg.Monitor.ResumeOnStart),
		slog.String("http", cfg.HTTP.Listen))

	if cfg.Updates.CheckOnStart {
		go logUpdateAvailable(ctx, newUpdateChecker(cfg))
	}

	err = b.run(ctx)
	if err != nil {
		relayLog.Error("relay_stopped", slog.String("error", err.Error()))
		if discord.IsFatal(err) {
			fmt.Fprintf(os.Stderr, "Error: Discord rejected the bot login: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	relayLog.Info("relay_stopped")
	return 0
}

func logUpdateAvailable(ctx context.Context, checker *update.Checker) {
	select {
	case info := <-checker.CheckAsync(ctx, Version):
		if info.Available {
			relayLog.Info("update_available",
				slog.String("current", Version),
				slog.String("latest", info.LatestVersion),
				slog.String("url", info.ReleaseURL))
		}
	case <-ctx.Done():
	}
}

// logDir is where crash dumps go: the log dir, else ~/.devin-relay.
func logDir(cfg *config.Config) string {
	if cfg.Logs.Dir != "" {
		return cfg.Logs.Dir
	}
	if dir, err := config.Dir(); err == nil {
		return dir
	}
	return os.TempDir()
}

func writeCrashDump(cfg *config.Config) string {
	dir := logDir(cfg)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
	if err := logging.DumpRingBuffer(dumpPath); err != nil {
		return ""
	}
	return dumpPath
}

// watchDumpSignal dumps the ring buffer on SIGUSR1 for post-mortem debugging.
func watchDumpSignal(ctx context.Context, cfg *config.Config) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				if path := writeCrashDump(cfg); path != "" {
					relayLog.Info("crash_dump_written", slog.String("path", path))
				} else {
					relayLog.Error("crash_dump_failed")
				}
			}
		}
	}()
}
