package relay

import (
	"context"
	"log/slog"

	"github.com/asheshgoplani/devin-relay/internal/logging"
)

var notifLog = logging.ForComponent(logging.CompNotif)

// Chat is the slice of the chat platform the relay needs.
type Chat interface {
	IsThread(ctx context.Context, channelID string) (bool, error)
	Send(ctx context.Context, channelID, text string) error
	Reply(ctx context.Context, channelID, messageID, text string) error
	// StartThread opens a thread on messageID and returns the thread's ID.
	StartThread(ctx context.Context, channelID, messageID, name string) (string, error)
}

// Notifier posts monitor updates into threads, honoring mute. Mute is read
// from the directory on every call so a toggle applies to the next message.
type Notifier struct {
	dir  Directory
	chat Chat
}

func NewNotifier(dir Directory, chat Chat) *Notifier {
	return &Notifier{dir: dir, chat: chat}
}

// Notify delivers text to threadID. Failures are logged, never returned.
func (n *Notifier) Notify(ctx context.Context, threadID, text string) {
	rec, ok := n.dir.Get(ctx, threadID)
	if !ok {
		notifLog.Debug("notify_suppressed", slog.String("thread_id", threadID), slog.String("reason", "unknown_thread"))
		logging.Aggregate(logging.CompNotif, "suppressed_unknown", slog.String("thread_id", threadID))
		return
	}
	if rec.Muted {
		notifLog.Debug("notify_suppressed", slog.String("thread_id", threadID), slog.String("reason", "muted"))
		logging.Aggregate(logging.CompNotif, "suppressed_muted", slog.String("thread_id", threadID))
		return
	}

	isThread, err := n.chat.IsThread(ctx, threadID)
	if err != nil {
		notifLog.Error("notify_resolve_failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		return
	}
	if !isThread {
		notifLog.Error("notify_not_a_thread", slog.String("thread_id", threadID))
		return
	}
	if err := n.chat.Send(ctx, threadID, text); err != nil {
		notifLog.Error("notify_send_failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
	}
}
