package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/devin-relay/internal/devin"
)

type fetchResult struct {
	status string
	output string
	err    error
}

// fakeFetcher replays a per-session script; the last entry repeats.
type fakeFetcher struct {
	mu     sync.Mutex
	script map[string][]fetchResult
	calls  map[string]int
	block  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{script: map[string][]fetchResult{}, calls: map[string]int{}}
}

func (f *fakeFetcher) set(sessionID string, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[sessionID] = results
}

func (f *fakeFetcher) callCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sessionID]
}

func (f *fakeFetcher) GetSession(ctx context.Context, sessionID string) (*devin.Session, error) {
	f.mu.Lock()
	seq := f.script[sessionID]
	i := f.calls[sessionID]
	f.calls[sessionID]++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &devin.NetworkError{Method: "GET", Path: "/session/" + sessionID, Err: ctx.Err()}
		}
	}
	if len(seq) == 0 {
		return nil, errors.New("no script")
	}
	if i >= len(seq) {
		i = len(seq) - 1
	}
	r := seq[i]
	if r.err != nil {
		return nil, r.err
	}
	s := &devin.Session{SessionID: sessionID, StatusEnum: r.status}
	if r.output != "" {
		s.StructuredOutput = json.RawMessage(r.output)
	}
	return s, nil
}

type note struct {
	threadID string
	text     string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *fakeNotifier) Notify(_ context.Context, threadID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{threadID, text})
}

func (n *fakeNotifier) texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notes))
	for i, nt := range n.notes {
		out[i] = nt.text
	}
	return out
}

// newTestManager uses an interval long enough that only PollOnce ticks.
func newTestManager(t *testing.T, f Fetcher, n Notifier) *Manager {
	t.Helper()
	mg := NewManager(f, n, Config{PollInterval: time.Hour, PollTimeout: time.Second})
	t.Cleanup(mg.StopAll)
	return mg
}

func TestRegisterSeedsBaseline(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "running", output: `{"b":1,"a":2}`})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))

	snap, ok := mg.Snapshot("devin-1")
	require.True(t, ok)
	assert.Equal(t, "running", snap.LastStatus)
	assert.Equal(t, "thread-1", snap.ThreadID)
	assert.True(t, snap.HasOutput)
	assert.Equal(t, 1, mg.Len())
	assert.Empty(t, n.texts(), "seeding must not notify")
}

func TestRegisterInitialFetchFailure(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{err: &devin.APIError{StatusCode: 500, Detail: "boom"}})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	err := mg.Register(context.Background(), "devin-1", "thread-1")
	require.Error(t, err)
	var apiErr *devin.APIError
	assert.True(t, errors.As(err, &apiErr))

	assert.Equal(t, 0, mg.Len())
	_, ok := mg.Snapshot("devin-1")
	assert.False(t, ok)
	require.Len(t, n.texts(), 1)
	assert.Contains(t, n.texts()[0], "initial state")
	assert.Contains(t, n.texts()[0], "devin-1")
}

func TestRegisterDuplicateRejected(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "running"})
	mg := newTestManager(t, f, &fakeNotifier{})

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	err := mg.Register(context.Background(), "devin-1", "thread-2")
	assert.ErrorIs(t, err, ErrAlreadyMonitored)

	assert.Equal(t, 1, mg.Len())
	assert.Equal(t, 1, f.callCount("devin-1"), "duplicate must not fetch")
	snap, _ := mg.Snapshot("devin-1")
	assert.Equal(t, "thread-1", snap.ThreadID)
}

func TestStatusSequenceStopsOnTerminal(t *testing.T) {
	f := newFakeFetcher()
	// Baseline A, then ticks A, B, B, C.
	f.set("devin-1",
		fetchResult{status: "working"},
		fetchResult{status: "working"},
		fetchResult{status: "suspend_requested"},
		fetchResult{status: "suspend_requested"},
		fetchResult{status: "finished"},
	)
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)
	ctx := context.Background()

	require.NoError(t, mg.Register(ctx, "devin-1", "thread-1"))
	for i := 0; i < 4; i++ {
		mg.PollOnce(ctx, "devin-1")
	}

	assert.Equal(t, []string{
		"Status changed: **suspend_requested**",
		"Status changed: **finished**",
		"Session ended with status **finished**. Monitoring stopped.",
	}, n.texts())
	assert.Equal(t, 0, mg.Len())

	// A stopped monitor never polls again.
	mg.PollOnce(ctx, "devin-1")
	assert.Equal(t, 5, f.callCount("devin-1"))
	assert.Len(t, n.texts(), 3)
}

func TestRunningToFinishedOnFirstTick(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "running"}, fetchResult{status: "finished"})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	mg.PollOnce(context.Background(), "devin-1")

	require.Len(t, n.texts(), 2)
	assert.Equal(t, "Status changed: **finished**", n.texts()[0])
	assert.Contains(t, n.texts()[1], "Session ended with status **finished**")
	assert.Equal(t, 0, mg.Len())
}

func TestSingleTickOrderStatusOutputTerminal(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1",
		fetchResult{status: "working"},
		fetchResult{status: "blocked", output: `{"pr":"https://github.com/o/r/pull/7"}`},
	)
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	mg.PollOnce(context.Background(), "devin-1")

	texts := n.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, "Status changed: **blocked**", texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "Structured output updated:\n```json\n"))
	assert.Contains(t, texts[1], `"pr": "https://github.com/o/r/pull/7"`)
	assert.Contains(t, texts[2], "Session ended with status **blocked**")
}

func TestOutputCanonicalEquality(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1",
		fetchResult{status: "working", output: `{"a":1,"b":[1,2]}`},
		fetchResult{status: "working", output: `{ "b": [1, 2], "a": 1 }`},
		fetchResult{status: "working", output: `{"a":1.0,"b":[1e0,2.00]}`},
		fetchResult{status: "working", output: `{"a":1,"b":[2,1]}`},
	)
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	mg.PollOnce(context.Background(), "devin-1")
	assert.Empty(t, n.texts(), "reordered keys are not a change")

	mg.PollOnce(context.Background(), "devin-1")
	assert.Empty(t, n.texts(), "1.0 and 1e0 equal 1")

	mg.PollOnce(context.Background(), "devin-1")
	require.Len(t, n.texts(), 1)
	assert.Contains(t, n.texts()[0], "Structured output updated")
}

func TestCanonicalJSONNumbers(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{`1`, `1.0`, true},
		{`{"n":100}`, `{"n":1e2}`, true},
		{`[-0]`, `[0]`, true},
		{`{"p":0.1}`, `{"p":0.10}`, true},
		{`{"p":0.1}`, `{"p":0.2}`, false},
		{`12345678901234567890123`, `12345678901234567890124`, false},
		{`"1"`, `1`, false},
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			a := canonicalJSON(json.RawMessage(tt.a))
			b := canonicalJSON(json.RawMessage(tt.b))
			assert.Equal(t, tt.equal, bytes.Equal(a, b), "%s vs %s", a, b)
		})
	}
	assert.Equal(t, `{"n":100}`, string(canonicalJSON(json.RawMessage(`{"n":1e2}`))))
}

func TestOutputNullUpdatesWithoutNotify(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1",
		fetchResult{status: "working", output: `{"step":1}`},
		fetchResult{status: "working", output: `null`},
		fetchResult{status: "working", output: `{"step":1}`},
	)
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))

	mg.PollOnce(context.Background(), "devin-1")
	assert.Empty(t, n.texts(), "a null output is never announced")
	snap, _ := mg.Snapshot("devin-1")
	assert.False(t, snap.HasOutput)

	mg.PollOnce(context.Background(), "devin-1")
	require.Len(t, n.texts(), 1, "value after null is a change")
}

func TestNullStatusRendersUnknown(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"}, fetchResult{status: ""})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	mg.PollOnce(context.Background(), "devin-1")

	assert.Equal(t, []string{"Status changed: **unknown**"}, n.texts())
	assert.Equal(t, 1, mg.Len())
}

func TestOutputTruncation(t *testing.T) {
	long := strings.Repeat("é", 3000)
	f := newFakeFetcher()
	f.set("devin-1",
		fetchResult{status: "working"},
		fetchResult{status: "working", output: `{"log":"` + long + `"}`},
	)
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	mg.PollOnce(context.Background(), "devin-1")

	require.Len(t, n.texts(), 1)
	text := n.texts()[0]
	body := strings.TrimSuffix(strings.TrimPrefix(text, "Structured output updated:\n```json\n"), "\n```")
	assert.Equal(t, DefaultOutputLimit, utf8.RuneCountInString(body))
	assert.True(t, strings.HasSuffix(body, "..."))
	assert.LessOrEqual(t, utf8.RuneCountInString(text), 2000)
}

func TestPollErrorStopsMonitor(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"}, fetchResult{err: errors.New("connection reset")})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	mg.PollOnce(context.Background(), "devin-1")

	require.Len(t, n.texts(), 1)
	assert.Contains(t, n.texts()[0], "Monitoring stopped")
	assert.Equal(t, 0, mg.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"})
	mg := newTestManager(t, f, &fakeNotifier{})

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	assert.True(t, mg.Stop("devin-1"))
	assert.False(t, mg.Stop("devin-1"))
	assert.False(t, mg.Stop("never-registered"))
	assert.Equal(t, 0, mg.Len())
}

func TestStopDuringFetchIsSilent(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"}, fetchResult{status: "finished"})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)
	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))

	f.mu.Lock()
	f.block = make(chan struct{})
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		mg.PollOnce(context.Background(), "devin-1")
		close(done)
	}()

	require.Eventually(t, func() bool { return f.callCount("devin-1") == 2 }, time.Second, 5*time.Millisecond)
	mg.Stop("devin-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return after stop")
	}
	assert.Empty(t, n.texts())
}

func TestTickerDrivesPolling(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"}, fetchResult{status: "working"}, fetchResult{status: "finished"})
	n := &fakeNotifier{}
	mg := NewManager(f, n, Config{PollInterval: 10 * time.Millisecond, PollTimeout: time.Second})
	defer mg.StopAll()

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	require.Eventually(t, func() bool { return mg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	calls := f.callCount("devin-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.callCount("devin-1"), "no ticks after stop")
	assert.Len(t, n.texts(), 2)
}

func TestStopAllRejectsFurtherRegistration(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"})
	f.set("devin-2", fetchResult{status: "working"})
	mg := NewManager(f, &fakeNotifier{}, Config{PollInterval: time.Hour})

	require.NoError(t, mg.Register(context.Background(), "devin-1", "thread-1"))
	require.NoError(t, mg.Register(context.Background(), "devin-2", "thread-2"))
	assert.Len(t, mg.Active(), 2)

	mg.StopAll()
	assert.Equal(t, 0, mg.Len())
	assert.ErrorIs(t, mg.Register(context.Background(), "devin-3", "thread-3"), ErrClosed)
}

func TestConcurrentRegistrationSingleMonitor(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-1", fetchResult{status: "working"})
	mg := newTestManager(t, f, &fakeNotifier{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mg.Register(context.Background(), "devin-1", "thread-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if errors.Is(err, ErrAlreadyMonitored) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 1, mg.Len())
}

func TestResume(t *testing.T) {
	f := newFakeFetcher()
	f.set("devin-live", fetchResult{status: "working"})
	f.set("devin-done", fetchResult{status: "finished"})
	f.set("devin-gone", fetchResult{err: &devin.APIError{StatusCode: 404, Detail: "not found"}})
	n := &fakeNotifier{}
	mg := newTestManager(t, f, n)

	resumed := mg.Resume(context.Background(), []Target{
		{SessionID: "devin-live", ThreadID: "t-1"},
		{SessionID: "devin-done", ThreadID: "t-2"},
		{SessionID: "devin-gone", ThreadID: "t-3"},
	})

	assert.Equal(t, 1, resumed)
	assert.Equal(t, 1, mg.Len())
	_, ok := mg.Snapshot("devin-live")
	assert.True(t, ok)
	assert.Empty(t, n.texts(), "resume never posts")
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "abcdefg...", truncateRunes("abcdefghijklmnop", 10))
	assert.Equal(t, "日本語...", truncateRunes("日本語テキストです", 6))
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{"blocked", "stopped", "finished", "suspended"} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{"", "working", "running", "suspend_requested", "resumed"} {
		assert.False(t, IsTerminal(s), s)
	}
}
