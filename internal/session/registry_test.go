// ABOUTME: Tests for the session registry and keyed mutex
// ABOUTME: Verifies one build per id, terminal replacement and compare-and-remove

package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubController(id string, state State) *Controller {
	return &Controller{id: id, state: state, done: make(chan struct{})}
}

func TestRegistry_CreateOncePerID(t *testing.T) {
	r := NewRegistry()
	var builds atomic.Int32

	var wg sync.WaitGroup
	results := make([]*Controller, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := r.Create("a", func() (*Controller, error) {
				builds.Add(1)
				time.Sleep(5 * time.Millisecond)
				return stubController("a", StateInit), nil
			})
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
}

func TestRegistry_BuildErrorLeavesNoEntry(t *testing.T) {
	r := NewRegistry()
	_, created, err := r.Create("a", func() (*Controller, error) {
		return nil, errors.New("nope")
	})
	require.Error(t, err)
	assert.False(t, created)

	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestRegistry_ReplacesTerminalEntries(t *testing.T) {
	r := NewRegistry()
	old := stubController("a", StateFailed)
	_, _, err := r.Create("a", func() (*Controller, error) { return old, nil })
	require.NoError(t, err)

	fresh := stubController("a", StateInit)
	c, created, err := r.Create("a", func() (*Controller, error) { return fresh, nil })
	require.NoError(t, err)
	assert.True(t, created)
	assert.Same(t, fresh, c)

	// A stale controller cannot remove its replacement.
	assert.False(t, r.Remove("a", old))
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.Remove("a", fresh))
	assert.Empty(t, r.List())
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		_, _, err := r.Create(id, func() (*Controller, error) { return stubController(id, StateInit), nil })
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.List())

	ids := []string{}
	for _, c := range r.Controllers() {
		ids = append(ids, c.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	k.held = make(map[string]*refMutex)

	unlockA := k.Lock("a")

	// Other keys are independent.
	unlockB := k.Lock("b")
	unlockB()

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}

	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.held) == 0
	}, time.Second, time.Millisecond)
}
