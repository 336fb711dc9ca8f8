// ABOUTME: Tests for the scriptable fake provider
// ABOUTME: Open failures, event emission, send recording and the dev pairing script

package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/provider"
)

func TestProvider_FailNextOpens(t *testing.T) {
	p := New()
	boom := errors.New("boom")
	p.FailNextOpens(1, boom)

	_, err := p.Open(context.Background(), "s1", provider.AuthState{})
	assert.ErrorIs(t, err, boom)

	h, err := p.Open(context.Background(), "s1", provider.AuthState{Restored: true})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, 1, p.OpenCount("s1"))
	got := p.WaitOpen(time.Second)
	require.NotNil(t, got)
	assert.True(t, got.Auth.Restored)
}

func TestProvider_OpenHonoursContext(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Open(ctx, "s1", provider.AuthState{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.OpenCount("s1"))
}

func TestHandle_EmitAndRecord(t *testing.T) {
	p := New()
	ph, err := p.Open(context.Background(), "s1", provider.AuthState{})
	require.NoError(t, err)
	h := ph.(*Handle)

	h.EmitPairing("CODE")
	acked := h.EmitCredentials([]byte("c"))

	ev := <-h.Events()
	assert.Equal(t, "CODE", ev.Connection.PairingCode)
	ev = <-h.Events()
	assert.Equal(t, provider.EventCredentials, ev.Kind)
	ev.Ack(nil)
	assert.NoError(t, <-acked)

	id, err := h.SendText(context.Background(), "123", "hi")
	require.NoError(t, err)
	assert.Len(t, id, 20)
	require.Len(t, h.Sent(), 1)
	assert.Equal(t, "hi", h.Sent()[0].Text)

	h.SetSendError(errors.New("nope"))
	_, err = h.SendText(context.Background(), "123", "hi")
	assert.Error(t, err)

	require.NoError(t, h.Close())
	assert.True(t, h.Closed())
	_, ok := <-h.Events()
	assert.False(t, ok)
	assert.False(t, h.EmitOpen(), "emits after close are rejected")
}

func TestHandle_EndDrainsQueuedEvents(t *testing.T) {
	p := New()
	ph, err := p.Open(context.Background(), "s1", provider.AuthState{})
	require.NoError(t, err)
	h := ph.(*Handle)
	defer h.Close()

	h.EmitOpen()
	h.End()

	ev, ok := <-h.Events()
	require.True(t, ok)
	assert.Equal(t, provider.PhaseOpen, ev.Connection.Phase)
	_, ok = <-h.Events()
	assert.False(t, ok)
}

func TestHandle_CheckAddress(t *testing.T) {
	h := &Handle{pump: provider.NewPump()}
	defer h.Close()

	info, err := h.CheckAddress(context.Background(), "+1 (555) 010-0000")
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, "15550100000@s.fake.net", info.Address)

	info, err = h.CheckAddress(context.Background(), "123")
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestPairThenConnect(t *testing.T) {
	p := New()
	p.OnOpen = PairThenConnect(10 * time.Millisecond)

	ph, err := p.Open(context.Background(), "s1", provider.AuthState{})
	require.NoError(t, err)
	defer ph.Close()

	ev := <-ph.Events()
	assert.Equal(t, provider.PhasePairing, ev.Connection.Phase)
	assert.Contains(t, ev.Connection.PairingCode, "s1")

	ev = <-ph.Events()
	assert.Equal(t, provider.EventCredentials, ev.Kind)
	ev.Ack(nil)

	ev = <-ph.Events()
	assert.Equal(t, provider.PhaseOpen, ev.Connection.Phase)

	restored, err := p.Open(context.Background(), "s2", provider.AuthState{Restored: true})
	require.NoError(t, err)
	defer restored.Close()
	ev = <-restored.Events()
	assert.Equal(t, provider.PhaseOpen, ev.Connection.Phase)
}
