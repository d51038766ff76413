package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(line, &r); err == nil {
			records = append(records, r)
		}
	}
	return records
}

func TestInitWritesJSONToLogDir(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("relay_started", "sessions", 3)

	records := readRecords(t, filepath.Join(dir, LogFileName))
	require.NotEmpty(t, records)
	assert.Equal(t, "relay_started", records[0]["msg"])
	assert.Equal(t, float64(3), records[0]["sessions"])
}

func TestInitWithoutSinksDiscards(t *testing.T) {
	Shutdown()

	Init(Config{})
	defer Shutdown()

	l := Logger()
	require.NotNil(t, l)
	l.Info("this goes nowhere")
}

func TestStderrMirror(t *testing.T) {
	Shutdown()

	var buf bytes.Buffer
	prev := stderrW
	stderrW = &buf
	defer func() { stderrW = prev }()

	Init(Config{Stderr: true})
	defer Shutdown()

	ForComponent(CompMonitor).Warn("poll_failed", "session_id", "devin-1")

	assert.Contains(t, buf.String(), `"msg":"poll_failed"`)
	assert.Contains(t, buf.String(), `"component":"monitor"`)
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()

	// Package-level loggers are built before Init; they must pick up the real handler.
	cl := ForComponent(CompDiscord)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	cl.Info("gateway_ready", "user", "relay-bot")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	require.NotEmpty(t, records)
	assert.Equal(t, CompDiscord, records[0]["component"])
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	var msgs []any
	for _, r := range readRecords(t, filepath.Join(dir, LogFileName)) {
		msgs = append(msgs, r["msg"])
	}
	assert.NotContains(t, msgs, "should_be_filtered")
	assert.Contains(t, msgs, "should_appear")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("warning").String())
	assert.Equal(t, "ERROR", ParseLevel("error").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}

func TestTextFormat(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	var record map[string]any
	assert.Error(t, json.Unmarshal(data, &record), "expected text format output")
	assert.Contains(t, string(data), "msg=text_format_test")
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 1024})
	defer Shutdown()

	Logger().Info("ring_test_message")

	dumpPath := filepath.Join(dir, "crash-dump.jsonl")
	require.NoError(t, DumpRingBuffer(dumpPath))

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ring_test_message")
}

func TestPprofMuxServesIndex(t *testing.T) {
	srv := httptest.NewServer(pprofMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestTailReturnsNewestRecords(t *testing.T) {
	Shutdown()
	assert.Nil(t, Tail(10), "no buffer before Init")

	Init(Config{LogDir: t.TempDir()})
	defer Shutdown()

	log := ForComponent(CompRelay)
	for _, msg := range []string{"first", "second", "third"} {
		log.Info(msg)
	}

	tail := Tail(2)
	require.Len(t, tail, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(tail[1], &rec))
	assert.Equal(t, "third", rec["msg"])
	assert.Equal(t, CompRelay, rec["component"])
}
