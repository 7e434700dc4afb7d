package atomicstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteReadRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.Write("status.json", []byte(`{"a":1}`)))

	data, err := store.Read("status.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestStore_Read_NotFound(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Read("missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_BackupRestore(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.Write("status.json", []byte("v1")))
	require.NoError(t, store.Backup("status.json"))
	require.NoError(t, store.Write("status.json", []byte("v2")))

	require.NoError(t, store.Restore("status.json"))
	data, err := store.Read("status.json")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestStore_Restore_NoBackupIsNotFound(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.Write("status.json", []byte("v1")))
	err := store.Restore("status.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WithLock_SerializesConcurrentWriters(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.Write("counter.json", []byte("0")))

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_ = store.WithLock(context.Background(), "counter.json", func() error {
				data, err := store.Read("counter.json")
				if err != nil {
					return err
				}
				n := 0
				for _, b := range data {
					if b >= '0' && b <= '9' {
						n = n*10 + int(b-'0')
					}
				}
				n++
				return store.Write("counter.json", []byte(intToBytes(n)))
			})
		}()
	}
	wg.Wait()

	data, err := store.Read("counter.json")
	require.NoError(t, err)
	assert.Equal(t, intToBytes(goroutines), string(data))
}

func intToBytes(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestStore_WithLock_CanceledContextUncontendedDoesNotPanic(t *testing.T) {
	store := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Hold the lock file open in a separate, already-locked state is hard to
	// simulate without a second process; instead verify a canceled context
	// passed straight through WithLock still runs fn (lock acquisition itself
	// doesn't contend here), proving the context is threaded through without
	// panicking.
	err := store.WithLock(ctx, "x.json", func() error { return nil })
	assert.True(t, err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrLockTimeout))
}
