// ABOUTME: Tests for the CLI helpers: flag reordering, SSE status parsing and log formatting
// ABOUTME: Exercises the pieces of pair and serve that do not need a running gateway

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/session"
)

func TestReorderArgs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"flags first", []string{"--webhook", "http://x", "alpha"}, []string{"--webhook", "http://x", "alpha"}},
		{"flags last", []string{"alpha", "--webhook", "http://x"}, []string{"--webhook", "http://x", "alpha"}},
		{"equals form", []string{"alpha", "--webhook=http://x"}, []string{"--webhook=http://x", "alpha"}},
		{"no flags", []string{"alpha"}, []string{"alpha"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reorderArgs(tt.in))
		})
	}
}

func TestReadStatusEvents(t *testing.T) {
	stream := strings.Join([]string{
		"event: status",
		`data: {"sessionId":"alpha","state":"QR_PENDING","connected":false,"pairingCode":"code-1"}`,
		"",
		"event: status",
		`data: {"sessionId":"alpha","state":"CONNECTED","connected":true}`,
		"",
		"event: status",
		`data: {"sessionId":"alpha","state":"LOGGED_OUT","connected":false}`,
		"",
	}, "\n")

	var seen []session.State
	err := readStatusEvents(strings.NewReader(stream), func(st session.Status) (bool, error) {
		seen = append(seen, st.State)
		return st.State == session.StateConnected, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []session.State{session.StateQRPending, session.StateConnected}, seen)
}

func TestReadStatusEvents_StreamEnds(t *testing.T) {
	stream := "event: status\n" + `data: {"sessionId":"alpha","state":"INIT"}` + "\n\n"
	err := readStatusEvents(strings.NewReader(stream), func(session.Status) (bool, error) {
		return false, nil
	})
	assert.EqualError(t, err, "event stream ended")
}

func TestReadStatusEvents_BadJSON(t *testing.T) {
	err := readStatusEvents(strings.NewReader("data: {nope\n"), func(session.Status) (bool, error) {
		return false, nil
	})
	assert.ErrorContains(t, err, "decoding status event")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	oldOutput, oldNoColor := color.Output, color.NoColor
	color.Output, color.NoColor = &buf, true
	t.Cleanup(func() { color.Output, color.NoColor = oldOutput, oldNoColor })

	logger := slog.New(&colorHandler{mu: &sync.Mutex{}, level: slog.LevelInfo})
	logger.Debug("hidden")
	logger.With("component", "session").WithGroup("req").Info("started", "session_id", "alpha")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF started")
	assert.Contains(t, out, "component=session")
	assert.Contains(t, out, "req.session_id=alpha")
}
