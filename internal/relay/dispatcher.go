// Package relay routes chat messages to remote sessions and session updates
// back to chat threads.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/asheshgoplani/devin-relay/internal/devin"
	"github.com/asheshgoplani/devin-relay/internal/logging"
)

var relayLog = logging.ForComponent(logging.CompRelay)

var mentionRe = regexp.MustCompile(`<@!?\d+>`)

// ChannelKind is the coarse channel classification the dispatcher acts on.
type ChannelKind int

const (
	KindOther ChannelKind = iota
	KindGuildText
	KindThread
)

// Message is an inbound chat message with the channel facts already resolved.
type Message struct {
	ID              string
	ChannelID       string
	ChannelKind     ChannelKind
	ChannelOwnerID  string
	AuthorID        string
	AuthorBot       bool
	Content         string
	MentionIDs      []string
	MentionEveryone bool
}

func (m Message) mentions(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.MentionIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Sessions is the part of the remote API the dispatcher drives.
type Sessions interface {
	CreateSession(ctx context.Context, req devin.CreateSessionRequest) (*devin.CreateSessionResponse, error)
	SendMessage(ctx context.Context, sessionID, text string) error
}

// Registrar starts monitoring a session. It reports its own startup failures
// to the thread.
type Registrar interface {
	Register(ctx context.Context, sessionID, threadID string) error
}

// Keywords are the thread control words, compared lower-case.
type Keywords struct {
	Aside  string
	Mute   string
	Unmute string
}

// DefaultKeywords match the words the welcome message advertises.
var DefaultKeywords = Keywords{Aside: "aside", Mute: "mute", Unmute: "unmute"}

// Config tunes the dispatcher.
type Config struct {
	Keywords      Keywords
	ThreadNameMax int
}

// Dispatcher classifies each inbound message and acts on it.
type Dispatcher struct {
	dir      Directory
	chat     Chat
	sessions Sessions
	monitors Registrar
	cfg      Config

	selfID atomic.Value // string
}

func NewDispatcher(dir Directory, chat Chat, sessions Sessions, monitors Registrar, cfg Config) *Dispatcher {
	if cfg.ThreadNameMax <= 0 {
		cfg.ThreadNameMax = 50
	}
	kw := &cfg.Keywords
	if kw.Aside == "" {
		kw.Aside = DefaultKeywords.Aside
	}
	if kw.Mute == "" {
		kw.Mute = DefaultKeywords.Mute
	}
	if kw.Unmute == "" {
		kw.Unmute = DefaultKeywords.Unmute
	}
	kw.Aside = strings.ToLower(kw.Aside)
	kw.Mute = strings.ToLower(kw.Mute)
	kw.Unmute = strings.ToLower(kw.Unmute)

	d := &Dispatcher{dir: dir, chat: chat, sessions: sessions, monitors: monitors, cfg: cfg}
	d.selfID.Store("")
	return d
}

// SetSelfID records the bot's own user ID once the gateway reports it.
func (d *Dispatcher) SetSelfID(id string) {
	d.selfID.Store(id)
}

func (d *Dispatcher) self() string {
	return d.selfID.Load().(string)
}

// HandleMessage processes one inbound message. It never panics and never
// returns an error; failures become replies or log records.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			relayLog.Error("handler_panic",
				slog.String("message_id", msg.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	self := d.self()
	if msg.AuthorBot || (self != "" && msg.AuthorID == self) {
		return
	}

	switch {
	case msg.mentions(self) && !msg.MentionEveryone && msg.ChannelKind == KindGuildText:
		d.handleMention(ctx, msg)
	case msg.ChannelKind == KindThread && self != "" && msg.ChannelOwnerID == self:
		d.handleThreadMessage(ctx, msg)
	}
}

func (d *Dispatcher) handleMention(ctx context.Context, msg Message) {
	log := relayLog.With(slog.String("channel_id", msg.ChannelID), slog.String("message_id", msg.ID))

	prompt := StripMentions(msg.Content)
	if prompt == "" {
		d.reply(ctx, msg, msgEmptyPrompt)
		return
	}
	log.Info("mention_received", slog.String("author_id", msg.AuthorID), slog.Int("prompt_len", len(prompt)))

	var threadID string
	fail := func(stage string, err error) {
		log.Error("session_start_failed", slog.String("stage", stage), slog.String("error", err.Error()))
		text := fmt.Sprintf(msgStartFailed, devin.UserMessage(err))
		if threadID != "" {
			d.send(ctx, threadID, text)
		} else {
			d.reply(ctx, msg, text)
		}
	}

	resp, err := d.sessions.CreateSession(ctx, devin.CreateSessionRequest{Prompt: prompt})
	if err != nil {
		fail("create_session", err)
		return
	}
	log = log.With(slog.String("session_id", resp.SessionID))
	log.Info("session_created", slog.String("url", resp.URL))

	threadID, err = d.chat.StartThread(ctx, msg.ChannelID, msg.ID, ThreadName(prompt, d.cfg.ThreadNameMax))
	if err != nil {
		threadID = ""
		fail("start_thread", err)
		return
	}
	log = log.With(slog.String("thread_id", threadID))

	if err := d.dir.Create(ctx, threadID, resp.SessionID); err != nil {
		// The session keeps running without a mapping; the thread is told.
		log.Error("directory_create_failed", slog.String("error", err.Error()))
		d.send(ctx, threadID, msgPersistFailed)
	}

	if err := d.chat.Send(ctx, threadID, welcomeMessage(resp.SessionID, resp.URL, d.cfg.Keywords)); err != nil {
		fail("welcome", err)
		return
	}

	if err := d.monitors.Register(ctx, resp.SessionID, threadID); err != nil {
		log.Warn("monitor_register_failed", slog.String("error", err.Error()))
		return
	}
	log.Info("relay_established")
}

func (d *Dispatcher) handleThreadMessage(ctx context.Context, msg Message) {
	threadID := msg.ChannelID
	log := relayLog.With(slog.String("thread_id", threadID), slog.String("message_id", msg.ID))

	rec, ok := d.dir.Get(ctx, threadID)
	if !ok {
		log.Warn("thread_unknown")
		return
	}
	log = log.With(slog.String("session_id", rec.SessionID))

	kw := d.cfg.Keywords
	lower := strings.ToLower(strings.TrimSpace(msg.Content))

	if lower == kw.Mute || lower == kw.Unmute {
		want := lower == kw.Mute
		if rec.Muted == want {
			if want {
				d.reply(ctx, msg, msgAlreadyMuted)
			} else {
				d.reply(ctx, msg, msgNotMuted)
			}
			return
		}
		if err := d.dir.SetMuted(ctx, threadID, want); err != nil {
			log.Error("mute_update_failed", slog.String("error", err.Error()))
			d.reply(ctx, msg, msgMuteFailed)
			return
		}
		log.Info("mute_changed", slog.Bool("muted", want))
		if want {
			d.reply(ctx, msg, msgMuted)
		} else {
			d.reply(ctx, msg, msgUnmuted)
		}
		return
	}

	if strings.HasPrefix(lower, kw.Aside) {
		log.Debug("aside_ignored")
		return
	}

	if rec.Muted {
		log.Debug("forward_suppressed_muted")
		return
	}

	if err := d.sessions.SendMessage(ctx, rec.SessionID, msg.Content); err != nil {
		log.Error("forward_failed", slog.String("error", err.Error()))
		d.reply(ctx, msg, fmt.Sprintf(msgSendFailed, devin.UserMessage(err)))
		return
	}
	log.Info("message_forwarded", slog.Int("len", len(msg.Content)))
}

func (d *Dispatcher) reply(ctx context.Context, msg Message, text string) {
	if err := d.chat.Reply(ctx, msg.ChannelID, msg.ID, text); err != nil {
		relayLog.Error("reply_failed", slog.String("channel_id", msg.ChannelID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) send(ctx context.Context, channelID, text string) {
	if err := d.chat.Send(ctx, channelID, text); err != nil {
		relayLog.Error("send_failed", slog.String("channel_id", channelID), slog.String("error", err.Error()))
	}
}

// StripMentions removes user mention markup and surrounding space.
func StripMentions(content string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(content, ""))
}

// ThreadName shortens a prompt to at most limit runes, ending a cut with "...".
func ThreadName(prompt string, limit int) string {
	if limit <= 3 || utf8.RuneCountInString(prompt) <= limit {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:limit-3]) + "..."
}
