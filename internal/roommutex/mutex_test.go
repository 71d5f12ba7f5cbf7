package roommutex_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/roommutex"
)

func TestSameRoomSerializes(t *testing.T) {
	m := roommutex.NewMap()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(context.Background(), "!room:x", func() error {
				cur := counter
				time.Sleep(time.Microsecond)
				counter = cur + 1
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestDifferentRoomsDoNotBlockEachOther(t *testing.T) {
	m := roommutex.NewMap()
	require.NoError(t, m.Lock(context.Background(), "!a:x"))
	defer m.Unlock("!a:x")

	done := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "!b:x", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking a different room blocked on an unrelated room's lock")
	}
}

func TestLockRespectsContextCancellation(t *testing.T) {
	m := roommutex.NewMap()
	require.NoError(t, m.Lock(context.Background(), "!room:x"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx, "!room:x")
	require.Error(t, err)

	m.Unlock("!room:x")
}
