// ABOUTME: Tests for the provider event pump
// ABOUTME: Ordering, non-blocking push, graceful drain and abort semantics

package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPump_PreservesOrder(t *testing.T) {
	p := NewPump()

	// Producer runs far ahead of the consumer without blocking.
	for i := 0; i < 1000; i++ {
		require.True(t, p.Push(ConnectionEvent(ConnectionUpdate{Phase: PhasePairing, PairingCode: fmt.Sprint(i)})))
	}
	p.Close()

	i := 0
	for ev := range p.Events() {
		assert.Equal(t, fmt.Sprint(i), ev.Connection.PairingCode)
		i++
	}
	assert.Equal(t, 1000, i)
}

func TestPump_PushAfterCloseRejected(t *testing.T) {
	p := NewPump()
	p.Close()

	acked := make(chan error, 1)
	ok := p.Push(CredentialsEvent([]byte("c"), func(err error) { acked <- err }))
	assert.False(t, ok)

	select {
	case err := <-acked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("rejected credentials event was not acked")
	}

	_, open := <-p.Events()
	assert.False(t, open)
}

func TestPump_AbortWithoutConsumer(t *testing.T) {
	p := NewPump()

	acks := make(chan error, 3)
	for i := 0; i < 3; i++ {
		p.Push(CredentialsEvent([]byte("c"), func(err error) { acks <- err }))
	}

	done := make(chan struct{})
	go func() {
		p.Abort()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Abort blocked without a consumer")
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-acks:
			assert.True(t, errors.Is(err, ErrClosed))
		case <-time.After(time.Second):
			t.Fatal("discarded event was not acked")
		}
	}

	<-p.Done()
	p.Abort() // idempotent
}

func TestPump_AbortAfterCloseIsSafe(t *testing.T) {
	p := NewPump()
	p.Push(ConnectionEvent(ConnectionUpdate{Phase: PhaseOpen}))
	p.Close()
	p.Abort()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not finish")
	}
}

func TestCredentialsEvent_AckOnce(t *testing.T) {
	calls := 0
	ev := CredentialsEvent([]byte("c"), func(error) { calls++ })

	ev.Ack(nil)
	ev.Ack(errors.New("late"))
	assert.Equal(t, 1, calls)

	// Non-credentials events ignore Ack.
	ConnectionEvent(ConnectionUpdate{Phase: PhaseOpen}).Ack(nil)
}

func TestDisconnectReason(t *testing.T) {
	tests := []struct {
		reason   DisconnectReason
		terminal bool
		text     string
	}{
		{ReasonLoggedOut, true, "logged out"},
		{ReasonConnectionLost, false, "connection lost"},
		{ReasonConnectionClosed, false, "connection closed"},
		{ReasonConnectionReplaced, false, "connection replaced"},
		{ReasonBadSession, false, "bad session"},
		{ReasonUnavailable, false, "unavailable"},
		{ReasonRestartRequired, false, "restart required"},
		{DisconnectReason(999), false, "unknown (999)"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.reason.Terminal())
			assert.Equal(t, tt.text, tt.reason.String())
		})
	}
}
