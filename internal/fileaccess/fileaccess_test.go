package fileaccess

import (
	"context"
	"sync"
	"testing"
	"time"

	pkgerr "github.com/packcore/packcore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() *Controller {
	return New(Config{StaleInterval: time.Hour, SweepInterval: time.Hour})
}

func TestAcquireReadSucceedsWithNoWriter(t *testing.T) {
	c := newTestController()
	defer c.Close()

	tok, err := c.AcquireRead("archive.zip")
	require.NoError(t, err)
	tok.Release()
}

func TestTryAcquireReadSwallowsLockedForWriting(t *testing.T) {
	c := newTestController()
	defer c.Close()

	writeDone := make(chan *WriteToken)
	go func() {
		tok, err := c.AcquireWrite(context.Background(), "p.zip", time.Second)
		require.NoError(t, err)
		writeDone <- tok
	}()
	wtok := <-writeDone
	defer wtok.Release()

	assert.Nil(t, c.TryAcquireRead("p.zip"))
}

// Scenario 1 — Writer priority: 5 concurrent readers hold scopes; a writer
// requests with a timeout; new readers fail fast; once readers release,
// the writer acquires within budget, and subsequent readers succeed again.
func TestWriterPriorityScenario(t *testing.T) {
	c := newTestController()
	defer c.Close()

	const path = "shared.zip"
	var tokens []*ReadToken
	for i := 0; i < 5; i++ {
		tok, err := c.AcquireRead(path)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	writeResult := make(chan *WriteToken, 1)
	writeErr := make(chan error, 1)
	go func() {
		tok, err := c.AcquireWrite(context.Background(), path, time.Second)
		if err != nil {
			writeErr <- err
			return
		}
		writeResult <- tok
	}()

	// Give the writer goroutine time to register its intent.
	require.Eventually(t, func() bool {
		return c.IsLockedForWriting(path)
	}, time.Second, time.Millisecond)

	_, err := c.AcquireRead(path)
	assert.Error(t, err)
	pe, ok := err.(*pkgerr.PackError)
	require.True(t, ok)
	assert.Equal(t, pkgerr.CodeLockedForWriting, pe.Code)

	for _, tok := range tokens {
		tok.Release()
	}

	select {
	case wtok := <-writeResult:
		wtok.Release()
	case err := <-writeErr:
		t.Fatalf("writer should have acquired access, got error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not acquire access in time")
	}

	tok, err := c.AcquireRead(path)
	require.NoError(t, err)
	tok.Release()
}

func TestAcquireWriteTimesOutWithActiveReaderCount(t *testing.T) {
	c := newTestController()
	defer c.Close()

	tok, err := c.AcquireRead("busy.zip")
	require.NoError(t, err)
	defer tok.Release()

	_, err = c.AcquireWrite(context.Background(), "busy.zip", 50*time.Millisecond)
	require.Error(t, err)
	pe, ok := err.(*pkgerr.PackError)
	require.True(t, ok)
	assert.Equal(t, pkgerr.CodeWriteTimeout, pe.Code)
	assert.Equal(t, 1, pe.Context["active_readers"])
}

func TestAcquireWriteManyOrdersAndReleasesOnFailure(t *testing.T) {
	c := newTestController()
	defer c.Close()

	blocker, err := c.AcquireRead("b.zip")
	require.NoError(t, err)
	defer blocker.Release()

	_, err = c.AcquireWriteMany(context.Background(), []string{"c.zip", "b.zip", "a.zip"}, 50*time.Millisecond)
	require.Error(t, err)

	// a.zip and c.zip must have been released by the failed attempt.
	tok, err := c.AcquireWrite(context.Background(), "a.zip", 50*time.Millisecond)
	require.NoError(t, err)
	tok.Release()
}

func TestInvalidateDropsState(t *testing.T) {
	c := newTestController()
	defer c.Close()

	tok, err := c.AcquireRead("x.zip")
	require.NoError(t, err)
	tok.Release()

	c.Invalidate("x.zip")
	stats := c.Stats()
	assert.Equal(t, 0, stats.TrackedPaths)
}

func TestConcurrentReadersNeverOverlapWriter(t *testing.T) {
	c := newTestController()
	defer c.Close()

	const path = "race.zip"
	var active int32
	var mu sync.Mutex
	violated := false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := c.AcquireRead(path); err == nil {
				mu.Lock()
				active++
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				tok.Release()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tok, err := c.AcquireWrite(context.Background(), path, time.Second)
		if err != nil {
			return
		}
		mu.Lock()
		if active != 0 {
			violated = true
		}
		mu.Unlock()
		tok.Release()
	}()
	wg.Wait()

	assert.False(t, violated)
}
