package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterThenHeartbeatAndUnregister(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)

	entry, err := reg.Register(context.Background(), "plan-a", "/tmp/sock")
	require.NoError(t, err)
	assert.Equal(t, "plan-a", entry.PlanID)
	assert.Equal(t, StatusRunning, entry.Status)

	require.NoError(t, reg.Heartbeat(context.Background(), entry.InstanceID))
	require.NoError(t, reg.SetStatus(context.Background(), entry.InstanceID, StatusPaused))

	entries, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusPaused, entries[0].Status)

	require.NoError(t, reg.Unregister(context.Background(), entry.InstanceID))
	entries, err = reg.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// P8: a second Register for the same plan, while the first entry is alive
// (this process's own pid, so pidAlive is always true in-test), must fail
// with AlreadyRunningError rather than create a duplicate entry.
func TestRegistry_Register_SecondCallForSamePlanFails(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)

	first, err := reg.Register(context.Background(), "plan-a", "/tmp/sock-1")
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "plan-a", "/tmp/sock-2")
	require.Error(t, err)
	var already *AlreadyRunningError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, first.PID, already.ExistingPID)

	entries, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a rejected Register must not leave a duplicate entry")
}

func TestRegistry_Register_DifferentPlansBothSucceed(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)

	_, err := reg.Register(context.Background(), "plan-a", "/tmp/sock-a")
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), "plan-b", "/tmp/sock-b")
	require.NoError(t, err)

	entries, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// P8 under concurrency: of N goroutines racing Register for the same plan,
// exactly one succeeds.
func TestRegistry_Register_ConcurrentRaceAdmitsExactlyOneWinner(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := reg.Register(context.Background(), "plan-race", "/tmp/sock")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)

	entries, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
