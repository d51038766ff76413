package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/devin-relay/internal/logging"
)

var discordLog = logging.ForComponent(logging.CompDiscord)

// HTTPError is a REST response with status >= 400.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("discord: %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// RESTConfig configures a REST client.
type RESTConfig struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// REST calls the Discord HTTP API as a bot. Channel metadata is cached and
// concurrent lookups of one channel share a single request.
type REST struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter

	lookups singleflight.Group

	mu       sync.RWMutex
	channels map[string]*Channel
}

func NewREST(cfg RESTConfig) *REST {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &REST{
		baseURL:  base,
		token:    cfg.Token,
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		channels: make(map[string]*Channel),
	}
}

// CurrentUser returns the bot's own account; used to validate the token.
func (r *REST) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := r.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Channel fetches channel metadata, served from cache after the first call.
func (r *REST) Channel(ctx context.Context, channelID string) (*Channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if ok {
		return ch, nil
	}

	v, err, _ := r.lookups.Do(channelID, func() (any, error) {
		var c Channel
		if err := r.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &c); err != nil {
			return nil, err
		}
		r.remember(&c)
		return &c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

func (r *REST) remember(c *Channel) {
	if c == nil || c.ID == "" {
		return
	}
	r.mu.Lock()
	r.channels[c.ID] = c
	r.mu.Unlock()
}

// IsThread reports whether channelID is a thread.
func (r *REST) IsThread(ctx context.Context, channelID string) (bool, error) {
	ch, err := r.Channel(ctx, channelID)
	if err != nil {
		return false, err
	}
	return ch.IsThread(), nil
}

// Send posts text to a channel or thread.
func (r *REST) Send(ctx context.Context, channelID, text string) error {
	req := createMessageRequest{
		Content:         Clip(text),
		AllowedMentions: &allowedMentions{Parse: []string{}},
	}
	return r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", req, nil)
}

// Reply posts text as a reply to messageID.
func (r *REST) Reply(ctx context.Context, channelID, messageID, text string) error {
	req := createMessageRequest{
		Content:          Clip(text),
		MessageReference: &messageReference{MessageID: messageID},
		AllowedMentions:  &allowedMentions{Parse: []string{}, RepliedUser: true},
	}
	return r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", req, nil)
}

// StartThread opens a public thread on messageID and returns its ID. Threads
// auto-archive after an hour of inactivity.
func (r *REST) StartThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	var ch Channel
	path := "/channels/" + channelID + "/messages/" + messageID + "/threads"
	if err := r.do(ctx, http.MethodPost, path, startThreadRequest{Name: name, AutoArchiveDuration: 60}, &ch); err != nil {
		return "", err
	}
	r.remember(&ch)
	discordLog.Info("thread_started", slog.String("thread_id", ch.ID), slog.String("parent_id", channelID))
	return ch.ID, nil
}

func (r *REST) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("discord: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("discord: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/asheshgoplani/devin-relay, 1)")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord: %s %s: %w", method, path, err)
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		discordLog.Warn("rest_request_failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
		return fmt.Errorf("discord: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		discordLog.Warn("rest_error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("retry_after", resp.Header.Get("Retry-After")),
			slog.String("body", string(respBody)))
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	discordLog.Debug("rest_ok",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("discord: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Clip keeps content within Discord's message ceiling.
func Clip(content string) string {
	if utf8.RuneCountInString(content) <= MaxMessageLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxMessageLength-3]) + "..."
}
