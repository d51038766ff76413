package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/logging"
	"github.com/asheshgoplani/devin-relay/internal/statedb"
)

// ErrPersistence wraps every directory write failure.
var ErrPersistence = errors.New("relay: persistence failure")

var storeLog = logging.ForComponent(logging.CompStorage)

// Record maps a chat thread to the remote session it relays.
type Record struct {
	ThreadID  string
	SessionID string
	Muted     bool
	CreatedAt time.Time
}

// Directory is the thread-to-session lookup shared by the dispatcher, the
// notifier and every monitor.
type Directory interface {
	// Get returns false both for unknown threads and for read failures.
	Get(ctx context.Context, threadID string) (Record, bool)
	Create(ctx context.Context, threadID, sessionID string) error
	SetMuted(ctx context.Context, threadID string, muted bool) error
}

// StoreDirectory is a Directory backed by the SQLite state database.
type StoreDirectory struct {
	db *statedb.StateDB
}

func NewStoreDirectory(db *statedb.StateDB) *StoreDirectory {
	return &StoreDirectory{db: db}
}

func (d *StoreDirectory) Get(_ context.Context, threadID string) (Record, bool) {
	row, err := d.db.GetThread(threadID)
	if errors.Is(err, statedb.ErrNotFound) {
		return Record{}, false
	}
	if err != nil {
		storeLog.Error("directory_get_failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		return Record{}, false
	}
	return Record{
		ThreadID:  row.ThreadID,
		SessionID: row.SessionID,
		Muted:     row.Muted,
		CreatedAt: row.CreatedAt,
	}, true
}

func (d *StoreDirectory) Create(_ context.Context, threadID, sessionID string) error {
	err := d.db.InsertThread(&statedb.ThreadRow{
		ThreadID:  threadID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	storeLog.Info("directory_created", slog.String("thread_id", threadID), slog.String("session_id", sessionID))
	return nil
}

func (d *StoreDirectory) SetMuted(_ context.Context, threadID string, muted bool) error {
	if err := d.db.SetThreadMuted(threadID, muted); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	storeLog.Info("directory_muted", slog.String("thread_id", threadID), slog.Bool("muted", muted))
	return nil
}

// Recent lists records created within window, newest first. Used to resume
// monitoring after a restart.
func (d *StoreDirectory) Recent(window time.Duration) ([]Record, error) {
	rows, err := d.db.ListThreads(time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Record{ThreadID: r.ThreadID, SessionID: r.SessionID, Muted: r.Muted, CreatedAt: r.CreatedAt})
	}
	return out, nil
}
