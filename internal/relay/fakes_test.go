package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/devin"
)

type memDirectory struct {
	mu        sync.Mutex
	records   map[string]Record
	writes    int
	failWrite bool
}

func newMemDirectory() *memDirectory {
	return &memDirectory{records: map[string]Record{}}
}

func (d *memDirectory) Get(_ context.Context, threadID string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[threadID]
	return r, ok
}

func (d *memDirectory) Create(_ context.Context, threadID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.failWrite {
		return fmt.Errorf("%w: disk full", ErrPersistence)
	}
	d.records[threadID] = Record{ThreadID: threadID, SessionID: sessionID, CreatedAt: time.Now()}
	return nil
}

func (d *memDirectory) SetMuted(_ context.Context, threadID string, muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.failWrite {
		return fmt.Errorf("%w: disk full", ErrPersistence)
	}
	r, ok := d.records[threadID]
	if !ok {
		return fmt.Errorf("%w: missing", ErrPersistence)
	}
	r.Muted = muted
	d.records[threadID] = r
	return nil
}

func (d *memDirectory) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

type sent struct {
	channelID string
	replyTo   string
	text      string
}

type fakeChat struct {
	mu          sync.Mutex
	sent        []sent
	threads     map[string]bool
	nextThread  string
	threadNames []string
	startErr    error
	sendErr     error
	isThreadErr error
}

func newFakeChat() *fakeChat {
	return &fakeChat{threads: map[string]bool{}, nextThread: "thread-1"}
}

func (c *fakeChat) IsThread(_ context.Context, channelID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isThreadErr != nil {
		return false, c.isThreadErr
	}
	return c.threads[channelID], nil
}

func (c *fakeChat) Send(_ context.Context, channelID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sent{channelID: channelID, text: text})
	return nil
}

func (c *fakeChat) Reply(_ context.Context, channelID, messageID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{channelID: channelID, replyTo: messageID, text: text})
	return nil
}

func (c *fakeChat) StartThread(_ context.Context, channelID, messageID, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return "", c.startErr
	}
	c.threadNames = append(c.threadNames, name)
	c.threads[c.nextThread] = true
	return c.nextThread, nil
}

func (c *fakeChat) messages() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

type fakeSessions struct {
	mu        sync.Mutex
	prompts   []string
	forwarded []string
	createErr error
	sendErr   error
}

func (s *fakeSessions) CreateSession(_ context.Context, req devin.CreateSessionRequest) (*devin.CreateSessionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.prompts = append(s.prompts, req.Prompt)
	return &devin.CreateSessionResponse{SessionID: "devin-1", URL: "https://app.devin.ai/sessions/1"}, nil
}

func (s *fakeSessions) SendMessage(_ context.Context, sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.forwarded = append(s.forwarded, sessionID+": "+text)
	return nil
}

type fakeRegistrar struct {
	mu         sync.Mutex
	registered []string
	err        error
}

func (r *fakeRegistrar) Register(_ context.Context, sessionID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.registered = append(r.registered, sessionID+"@"+threadID)
	return nil
}

var errChatDown = errors.New("chat: 503 service unavailable")
