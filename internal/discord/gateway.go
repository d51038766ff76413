// Package discord speaks just enough of the Discord gateway and REST API to
// run a message relay bot.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FatalCloseError is a gateway close that reconnecting cannot fix.
type FatalCloseError struct {
	Code   int
	Reason string
}

func (e *FatalCloseError) Error() string {
	return fmt.Sprintf("discord: gateway closed with %d: %s", e.Code, e.Reason)
}

var fatalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

// IsFatal reports whether err ends the gateway for good.
func IsFatal(err error) bool {
	var fe *FatalCloseError
	return errors.As(err, &fe)
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	URL            string
	Token          string
	Intents        int
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Gateway keeps one websocket session alive and hands READY and
// MESSAGE_CREATE events to callbacks. onReady runs on the read loop and must
// not block. Message callbacks run off the read loop, serialized per channel.
type Gateway struct {
	cfg     GatewayConfig
	onReady func(context.Context, Ready)
	queue   *channelQueue

	mu        sync.Mutex
	sessionID string
	resumeURL string

	seq       atomic.Int64
	hasSeq    atomic.Bool
	connected atomic.Bool
	acked     atomic.Bool

	writeMu sync.Mutex
}

func NewGateway(cfg GatewayConfig, onReady func(context.Context, Ready), onMessage func(context.Context, Message)) *Gateway {
	if cfg.URL == "" {
		cfg.URL = DefaultGatewayURL
	}
	if cfg.Intents == 0 {
		cfg.Intents = DefaultIntents
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	g := &Gateway{cfg: cfg, onReady: onReady}
	if onMessage != nil {
		g.queue = newChannelQueue(onMessage)
	}
	return g
}

// Connected reports whether a session is currently established.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Run connects and reconnects until ctx is cancelled or the gateway reports
// a fatal close. It returns nil on cancellation.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.connectAndRun(ctx)
		g.connected.Store(false)

		if ctx.Err() != nil {
			return nil
		}
		if IsFatal(err) {
			discordLog.Error("gateway_fatal", slog.String("error", err.Error()))
			return err
		}
		if err != nil {
			discordLog.Warn("gateway_disconnected", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.cfg.ReconnectDelay):
			discordLog.Info("gateway_reconnecting")
		}
	}
}

func (g *Gateway) connectAndRun(ctx context.Context) error {
	g.mu.Lock()
	sessionID, resumeURL := g.sessionID, g.resumeURL
	g.mu.Unlock()

	url := g.cfg.URL
	resuming := sessionID != "" && resumeURL != ""
	if resuming {
		url = withGatewayQuery(resumeURL)
	}

	conn, _, err := g.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Unblock the read loop on shutdown.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return classifyReadErr("read hello", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("bad hello payload: %s", string(hello.D))
	}

	g.acked.Store(true)
	go g.heartbeatLoop(connCtx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond)

	if resuming {
		err = g.write(conn, opResume, resumeData{Token: g.cfg.Token, SessionID: sessionID, Seq: g.seq.Load()})
	} else {
		err = g.write(conn, opIdentify, identifyData{
			Token:   g.cfg.Token,
			Intents: g.cfg.Intents,
			Properties: map[string]string{
				"os": "linux", "browser": "devin-relay", "device": "devin-relay",
			},
		})
	}
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	for {
		var p gatewayPayload
		if err := conn.ReadJSON(&p); err != nil {
			return classifyReadErr("read", err)
		}
		if p.S != nil {
			g.seq.Store(*p.S)
			g.hasSeq.Store(true)
		}

		switch p.Op {
		case opDispatch:
			// Handlers outlive this connection, so they get the caller's ctx.
			g.dispatch(ctx, p)
		case opHeartbeat:
			if err := g.sendHeartbeat(conn); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case opHeartbeatAck:
			g.acked.Store(true)
		case opReconnect:
			discordLog.Info("gateway_reconnect_requested")
			return nil
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			discordLog.Warn("gateway_invalid_session", slog.Bool("resumable", resumable))
			if !resumable {
				g.resetSession()
			}
			return nil
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, p gatewayPayload) {
	switch p.T {
	case "READY":
		var r Ready
		if err := json.Unmarshal(p.D, &r); err != nil {
			discordLog.Error("gateway_bad_ready", slog.String("error", err.Error()))
			return
		}
		g.mu.Lock()
		g.sessionID = r.SessionID
		g.resumeURL = r.ResumeGatewayURL
		g.mu.Unlock()
		g.connected.Store(true)
		discordLog.Info("gateway_ready", slog.String("user", r.User.Username), slog.String("user_id", r.User.ID))
		if g.onReady != nil {
			g.onReady(ctx, r)
		}
	case "RESUMED":
		g.connected.Store(true)
		discordLog.Info("gateway_resumed")
	case "MESSAGE_CREATE":
		var m Message
		if err := json.Unmarshal(p.D, &m); err != nil {
			discordLog.Warn("gateway_bad_message", slog.String("error", err.Error()))
			return
		}
		if g.queue != nil {
			g.queue.push(ctx, m)
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.acked.Load() {
				// Zombied connection: no ACK since the last beat.
				discordLog.Warn("gateway_heartbeat_missed")
				_ = conn.Close()
				return
			}
			g.acked.Store(false)
			if err := g.sendHeartbeat(conn); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) error {
	if !g.hasSeq.Load() {
		return g.write(conn, opHeartbeat, nil)
	}
	return g.write(conn, opHeartbeat, g.seq.Load())
}

func (g *Gateway) write(conn *websocket.Conn, op int, d any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(gatewayPayload{Op: op, D: data})
}

func (g *Gateway) resetSession() {
	g.mu.Lock()
	g.sessionID = ""
	g.resumeURL = ""
	g.mu.Unlock()
	g.seq.Store(0)
	g.hasSeq.Store(false)
}

func classifyReadErr(stage string, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if reason, ok := fatalCloseCodes[ce.Code]; ok {
			return &FatalCloseError{Code: ce.Code, Reason: reason}
		}
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func withGatewayQuery(u string) string {
	if strings.Contains(u, "?") {
		return u
	}
	return strings.TrimRight(u, "/") + "/?v=10&encoding=json"
}
