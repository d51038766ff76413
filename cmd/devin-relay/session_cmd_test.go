package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/devin-relay/internal/devin"
)

type fakeSessionAPI struct {
	session  *devin.Session
	sessions []devin.Session
	err      error

	gotOpts devin.ListSessionsOptions
	sentTo  string
	sent    string
	tags    []string
}

func (f *fakeSessionAPI) GetSession(_ context.Context, id string) (*devin.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeSessionAPI) ListSessions(_ context.Context, opts devin.ListSessionsOptions) (*devin.ListSessionsResponse, error) {
	f.gotOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &devin.ListSessionsResponse{Sessions: f.sessions}, nil
}

func (f *fakeSessionAPI) SendMessage(_ context.Context, id, text string) error {
	f.sentTo, f.sent = id, text
	return f.err
}

func (f *fakeSessionAPI) UpdateSessionTags(_ context.Context, id string, tags []string) error {
	f.tags = tags
	return f.err
}

func TestRunSessionShow(t *testing.T) {
	api := &fakeSessionAPI{session: &devin.Session{
		SessionID:        "devin-1",
		Title:            "Build login page",
		Status:           "running",
		StatusEnum:       "blocked",
		Tags:             []string{"web", "auth"},
		PullRequest:      &devin.PullRequest{URL: "https://github.com/acme/app/pull/7"},
		StructuredOutput: json.RawMessage(`{"progress":"50%"}`),
	}}
	out, stdout, _ := newTestOutput(false)

	require.NoError(t, runSessionShow(context.Background(), api, out, "devin-1"))
	got := stdout.String()
	assert.Contains(t, got, "Session:  devin-1")
	assert.Contains(t, got, "Status:   blocked (running)")
	assert.Contains(t, got, "Tags:     web, auth")
	assert.Contains(t, got, "PR:       https://github.com/acme/app/pull/7")
	assert.Contains(t, got, "Structured output:\n{\n  \"progress\": \"50%\"\n}")
}

func TestFormatSessionDetailsNullStatus(t *testing.T) {
	got := formatSessionDetails(&devin.Session{SessionID: "devin-2", StructuredOutput: json.RawMessage("null")})
	assert.Contains(t, got, "Status:   unknown")
	assert.NotContains(t, got, "Structured output")
}

func TestRunSessionShowError(t *testing.T) {
	api := &fakeSessionAPI{err: &devin.APIError{Method: "GET", Path: "/session/devin-9", StatusCode: 404, Detail: "Session not found"}}
	out, stdout, _ := newTestOutput(true)

	require.Error(t, runSessionShow(context.Background(), api, out, "devin-9"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &payload))
	assert.Equal(t, ErrCodeAPI, payload["code"])
	assert.Contains(t, payload["error"], "devin-9")
}

func TestRunSessionList(t *testing.T) {
	api := &fakeSessionAPI{sessions: []devin.Session{
		{SessionID: "devin-1", Title: "Build login page", StatusEnum: "working", UpdatedAt: "2026-10-01T10:00:00Z"},
		{SessionID: "devin-2", Title: "Fix flaky CI", StatusEnum: "finished"},
	}}
	out, stdout, _ := newTestOutput(false)
	opts := devin.ListSessionsOptions{Limit: 20, Tags: []string{"web"}}

	require.NoError(t, runSessionList(context.Background(), api, out, opts, "", false))
	assert.Equal(t, opts, api.gotOpts)
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[2], "devin-1")
	assert.Contains(t, lines[2], "working")
	assert.Contains(t, stdout.String(), "Total: 2 sessions")

	stdout.Reset()
	require.NoError(t, runSessionList(context.Background(), api, out, opts, "flaky", false))
	assert.Contains(t, stdout.String(), "devin-2")
	assert.NotContains(t, stdout.String(), "devin-1")
}

func TestRunSessionListEmptyJSON(t *testing.T) {
	api := &fakeSessionAPI{}
	out, stdout, _ := newTestOutput(true)

	require.NoError(t, runSessionList(context.Background(), api, out, devin.ListSessionsOptions{Limit: 1}, "", false))
	assert.Equal(t, "[]\n", stdout.String())
}

func TestRunSessionSend(t *testing.T) {
	api := &fakeSessionAPI{}
	out, stdout, _ := newTestOutput(false)

	require.NoError(t, runSessionSend(context.Background(), api, out, "devin-1", "  please add tests \n"))
	assert.Equal(t, "devin-1", api.sentTo)
	assert.Equal(t, "please add tests", api.sent)
	assert.Contains(t, stdout.String(), "Sent message to devin-1")

	api = &fakeSessionAPI{}
	require.Error(t, runSessionSend(context.Background(), api, out, "devin-1", "   "))
	assert.Empty(t, api.sentTo, "empty messages never reach the API")
}

func TestRunSessionSendNetworkError(t *testing.T) {
	api := &fakeSessionAPI{err: &devin.NetworkError{Err: errors.New("connection refused")}}
	out, stdout, _ := newTestOutput(true)

	require.Error(t, runSessionSend(context.Background(), api, out, "devin-1", "hi"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &payload))
	assert.Equal(t, ErrCodeNetwork, payload["code"])
}

func TestRunSessionTagsClears(t *testing.T) {
	api := &fakeSessionAPI{}
	out, stdout, _ := newTestOutput(true)

	require.NoError(t, runSessionTags(context.Background(), api, out, "devin-1", nil))
	assert.NotNil(t, api.tags)
	assert.Empty(t, api.tags)
	assert.Contains(t, stdout.String(), `"tags": []`)
}
