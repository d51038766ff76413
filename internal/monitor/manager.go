// Package monitor polls remote sessions and reports status and structured
// output changes to the thread that owns each session.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/devin"
	"github.com/asheshgoplani/devin-relay/internal/logging"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultPollTimeout  = 10 * time.Second
	DefaultOutputLimit  = 1800
)

var (
	// ErrAlreadyMonitored rejects a second registration for a session.
	ErrAlreadyMonitored = errors.New("monitor: session already monitored")
	// ErrClosed is returned by Register after StopAll.
	ErrClosed = errors.New("monitor: manager closed")
)

var monLog = logging.ForComponent(logging.CompMonitor)

// Fetcher reads current session details.
type Fetcher interface {
	GetSession(ctx context.Context, sessionID string) (*devin.Session, error)
}

// Notifier delivers a message to a thread. Delivery problems (muted thread,
// unknown thread, chat failure) are the notifier's concern.
type Notifier interface {
	Notify(ctx context.Context, threadID, text string)
}

// Config tunes polling.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// OutputLimit caps the rendered structured output, in runes.
	OutputLimit int
}

// Target names a session to resume and the thread it reports to.
type Target struct {
	SessionID string
	ThreadID  string
}

// Snapshot is a read-only view of one monitor.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	ThreadID   string    `json:"thread_id"`
	LastStatus string    `json:"last_status"`
	HasOutput  bool      `json:"has_output"`
	Ticks      int       `json:"ticks"`
	StartedAt  time.Time `json:"started_at"`
	LastPollAt time.Time `json:"last_poll_at"`
}

type monitor struct {
	sessionID string
	threadID  string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// tickMu serializes ticks; mu guards the fields below it.
	tickMu sync.Mutex

	mu         sync.Mutex
	lastStatus string
	lastOutput []byte
	ticks      int
	lastPollAt time.Time
}

func (m *monitor) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		SessionID:  m.sessionID,
		ThreadID:   m.threadID,
		LastStatus: m.lastStatus,
		HasOutput:  m.lastOutput != nil,
		Ticks:      m.ticks,
		StartedAt:  m.startedAt,
		LastPollAt: m.lastPollAt,
	}
}

// Manager owns every active monitor, keyed by session ID.
type Manager struct {
	fetcher  Fetcher
	notifier Notifier
	cfg      Config

	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	monitors map[string]*monitor
	starting map[string]bool
	closed   bool
}

// NewManager creates a Manager. Zero config values take defaults.
func NewManager(fetcher Fetcher, notifier Notifier, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		fetcher:    fetcher,
		notifier:   notifier,
		cfg:        cfg,
		base:       base,
		cancelBase: cancel,
		monitors:   make(map[string]*monitor),
		starting:   make(map[string]bool),
	}
}

// Register fetches the session once as a baseline and, on success, starts
// polling it. On fetch failure the thread is told and no monitor exists.
func (mg *Manager) Register(ctx context.Context, sessionID, threadID string) error {
	_, err := mg.start(ctx, sessionID, threadID, false)
	return err
}

// Resume re-registers sessions after a restart. The fresh fetch is the
// baseline, so nothing that changed while the process was down is announced.
// Sessions already in a terminal status are skipped. Returns how many
// monitors were started.
func (mg *Manager) Resume(ctx context.Context, targets []Target) int {
	resumed := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		started, err := mg.start(ctx, t.SessionID, t.ThreadID, true)
		if err != nil {
			monLog.Warn("resume_failed",
				slog.String("session_id", t.SessionID),
				slog.String("thread_id", t.ThreadID),
				slog.String("error", err.Error()))
			continue
		}
		if started {
			resumed++
		}
	}
	monLog.Info("resume_complete", slog.Int("candidates", len(targets)), slog.Int("resumed", resumed))
	return resumed
}

func (mg *Manager) start(ctx context.Context, sessionID, threadID string, resume bool) (bool, error) {
	log := monLog.With(slog.String("session_id", sessionID), slog.String("thread_id", threadID))

	mg.mu.Lock()
	if mg.closed {
		mg.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := mg.monitors[sessionID]; ok || mg.starting[sessionID] {
		mg.mu.Unlock()
		log.Warn("register_duplicate")
		return false, ErrAlreadyMonitored
	}
	mg.starting[sessionID] = true
	mg.mu.Unlock()

	defer func() {
		mg.mu.Lock()
		delete(mg.starting, sessionID)
		mg.mu.Unlock()
	}()

	log.Info("monitor_starting", slog.Bool("resume", resume))

	fctx, cancel := context.WithTimeout(ctx, mg.cfg.PollTimeout)
	details, err := mg.fetcher.GetSession(fctx, sessionID)
	cancel()
	if err != nil {
		log.Error("initial_fetch_failed", slog.String("error", err.Error()))
		if !resume {
			mg.notifier.Notify(ctx, threadID, fmt.Sprintf(msgStartupFailed, sessionID))
		}
		return false, fmt.Errorf("monitor: initial fetch %s: %w", sessionID, err)
	}

	if resume && IsTerminal(details.StatusEnum) {
		log.Info("resume_skipped_terminal", slog.String("status", details.StatusEnum))
		return false, nil
	}

	mctx, mcancel := context.WithCancel(mg.base)
	m := &monitor{
		sessionID:  sessionID,
		threadID:   threadID,
		startedAt:  time.Now(),
		ctx:        mctx,
		cancel:     mcancel,
		lastStatus: details.StatusEnum,
		lastOutput: canonicalJSON(details.StructuredOutput),
	}

	mg.mu.Lock()
	if mg.closed {
		mg.mu.Unlock()
		mcancel()
		return false, ErrClosed
	}
	mg.monitors[sessionID] = m
	mg.mu.Unlock()

	go mg.run(m)

	log.Info("monitor_started", slog.String("initial_status", details.StatusLabel()))
	return true, nil
}

func (mg *Manager) run(m *monitor) {
	ticker := time.NewTicker(mg.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.ctx.Err() != nil {
				return
			}
			mg.tick(m.ctx, m)
		}
	}
}

// PollOnce runs one tick for sessionID immediately. The monitor is looked up
// at call time; polling an inactive session is a logged no-op.
func (mg *Manager) PollOnce(ctx context.Context, sessionID string) {
	mg.mu.Lock()
	m := mg.monitors[sessionID]
	mg.mu.Unlock()
	if m == nil {
		monLog.Warn("poll_inactive_session", slog.String("session_id", sessionID))
		return
	}
	mg.tick(ctx, m)
}

// tick fetches, diffs and notifies. Order is fixed: status, output, terminal.
func (mg *Manager) tick(ctx context.Context, m *monitor) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	log := monLog.With(slog.String("session_id", m.sessionID), slog.String("thread_id", m.threadID))
	logging.Aggregate(logging.CompMonitor, "poll_tick", slog.String("session_id", m.sessionID))

	fctx, cancel := context.WithTimeout(ctx, mg.cfg.PollTimeout)
	stopAfter := context.AfterFunc(m.ctx, cancel)
	details, err := mg.fetcher.GetSession(fctx, m.sessionID)
	stopAfter()
	cancel()

	if err != nil {
		if m.ctx.Err() != nil || ctx.Err() != nil {
			log.Debug("poll_aborted")
			return
		}
		log.Error("poll_failed", slog.String("error", err.Error()))
		mg.notifier.Notify(ctx, m.threadID, fmt.Sprintf(msgPollFailed, m.sessionID))
		mg.Stop(m.sessionID)
		return
	}

	newOutput := canonicalJSON(details.StructuredOutput)

	m.mu.Lock()
	prevStatus := m.lastStatus
	statusChanged := details.StatusEnum != prevStatus
	m.lastStatus = details.StatusEnum
	outputChanged := !bytes.Equal(newOutput, m.lastOutput)
	if outputChanged {
		m.lastOutput = newOutput
	}
	m.ticks++
	m.lastPollAt = time.Now()
	m.mu.Unlock()

	if statusChanged {
		log.Info("status_changed", slog.String("from", prevStatus), slog.String("to", details.StatusEnum))
		mg.notifier.Notify(ctx, m.threadID, fmt.Sprintf(msgStatusChanged, details.StatusLabel()))
	}

	if outputChanged && newOutput != nil {
		log.Info("output_changed", slog.Int("bytes", len(newOutput)))
		body := truncateRunes(prettyJSON(newOutput), mg.cfg.OutputLimit)
		mg.notifier.Notify(ctx, m.threadID, fmt.Sprintf(msgOutputUpdated, body))
	}

	if IsTerminal(details.StatusEnum) {
		full, _ := json.Marshal(details)
		log.Info("session_terminal", slog.String("status", details.StatusEnum), slog.String("details", string(full)))
		mg.notifier.Notify(ctx, m.threadID, fmt.Sprintf(msgSessionEnded, details.StatusEnum))
		mg.Stop(m.sessionID)
	}
}

// Stop cancels and forgets the monitor for sessionID. It is safe to call
// from inside the monitor's own tick. Returns false if nothing was active.
func (mg *Manager) Stop(sessionID string) bool {
	mg.mu.Lock()
	m, ok := mg.monitors[sessionID]
	if ok {
		delete(mg.monitors, sessionID)
	}
	mg.mu.Unlock()

	if !ok {
		monLog.Warn("stop_inactive_session", slog.String("session_id", sessionID))
		return false
	}
	m.cancel()
	monLog.Info("monitor_stopped", slog.String("session_id", sessionID), slog.String("thread_id", m.threadID))
	logging.Aggregate(logging.CompMonitor, "monitor_stopped")
	return true
}

// StopAll cancels every monitor without waiting for in-flight fetches and
// refuses further registrations.
func (mg *Manager) StopAll() {
	mg.mu.Lock()
	monitors := mg.monitors
	mg.monitors = make(map[string]*monitor)
	mg.closed = true
	mg.mu.Unlock()

	for _, m := range monitors {
		m.cancel()
	}
	mg.cancelBase()
	monLog.Info("all_monitors_stopped", slog.Int("count", len(monitors)))
}

// Len returns the number of active monitors.
func (mg *Manager) Len() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.monitors)
}

// Snapshot returns the state of one monitor.
func (mg *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	mg.mu.Lock()
	m := mg.monitors[sessionID]
	mg.mu.Unlock()
	if m == nil {
		return Snapshot{}, false
	}
	return m.snapshot(), true
}

// Active returns snapshots of every monitor, oldest first.
func (mg *Manager) Active() []Snapshot {
	mg.mu.Lock()
	monitors := make([]*monitor, 0, len(mg.monitors))
	for _, m := range mg.monitors {
		monitors = append(monitors, m)
	}
	mg.mu.Unlock()

	out := make([]Snapshot, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, m.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
