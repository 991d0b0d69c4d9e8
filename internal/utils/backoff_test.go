package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffEscalatesToSleep(t *testing.T) {
	var b Backoff

	for i := 0; i < yieldLimit; i++ {
		b.Wait()
	}
	require.Equal(t, yieldLimit, b.Attempts())
	require.Zero(t, b.sleep)

	b.Wait()
	require.Equal(t, 2*initialSleep, b.sleep)

	for i := 0; i < 20; i++ {
		b.Wait()
	}
	require.Equal(t, maxSleep, b.sleep)

	b.Reset()
	require.Zero(t, b.Attempts())
	require.Zero(t, b.sleep)
}

func TestBackoffSpinPhaseIsBusyWait(t *testing.T) {
	var b Backoff

	start := time.Now()
	for i := 0; i < spinLimit; i++ {
		b.Wait()
	}
	require.Zero(t, b.sleep)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestOptionalMutexDisabled(t *testing.T) {
	m := OptionalMutex{}
	m.Lock()
	m.Lock()
	m.Unlock()
	m.Unlock()

	m.UseMutex = true
	m.Lock()
	require.False(t, m.Mutex.TryLock())
	m.Unlock()
	require.True(t, m.Mutex.TryLock())
	m.Mutex.Unlock()
}
