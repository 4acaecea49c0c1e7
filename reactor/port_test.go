package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-aio/api"
)

func TestQueuePortFIFO(t *testing.T) {
	p := NewQueuePort()
	defer p.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Post(api.Completion{Key: uintptr(i), Bytes: i * 10}))
	}
	assert.Equal(t, 3, p.Len())
	for i := 1; i <= 3; i++ {
		c, err := p.Wait(0)
		require.NoError(t, err)
		assert.Equal(t, uintptr(i), c.Key)
		assert.Equal(t, i*10, c.Bytes)
	}
	_, err := p.Wait(0)
	assert.ErrorIs(t, err, api.ErrWaitTimeout)
}

func TestQueuePortTimedWait(t *testing.T) {
	p := NewQueuePort()
	defer p.Close()

	start := time.Now()
	_, err := p.Wait(30 * time.Millisecond)
	assert.ErrorIs(t, err, api.ErrWaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueuePortBlockedWaiterReleasedByPost(t *testing.T) {
	p := NewQueuePort()
	defer p.Close()

	got := make(chan api.Completion, 1)
	go func() {
		c, err := p.Wait(-1)
		if err == nil {
			got <- c
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Post(api.Completion{Key: 7}))

	select {
	case c := <-got:
		assert.Equal(t, uintptr(7), c.Key)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestQueuePortManyWaitersReceiveEverything(t *testing.T) {
	p := NewQueuePort()
	defer p.Close()

	const waiters, posts = 8, 2000
	var (
		mu   sync.Mutex
		seen = make(map[uintptr]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := p.Wait(-1)
				if err != nil {
					return
				}
				if c.Key == api.StopKey {
					// One sentinel per waiter.
					return
				}
				mu.Lock()
				seen[c.Key]++
				mu.Unlock()
			}
		}()
	}
	for i := 1; i <= posts; i++ {
		require.NoError(t, p.Post(api.Completion{Key: uintptr(i)}))
	}
	for i := 0; i < waiters; i++ {
		require.NoError(t, p.Post(api.Completion{Key: api.StopKey}))
	}
	wg.Wait()

	require.Len(t, seen, posts)
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %d", k)
	}
}

func TestQueuePortClose(t *testing.T) {
	p := NewQueuePort()

	errs := make(chan error, 1)
	go func() {
		_, err := p.Wait(-1)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, api.ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}
	assert.ErrorIs(t, p.Post(api.Completion{Key: 1}), api.ErrPortClosed)
	_, err := p.Register(3)
	assert.ErrorIs(t, err, api.ErrPortClosed)
}

func TestQueuePortRegister(t *testing.T) {
	p := NewQueuePort()
	defer p.Close()
	key, err := p.Register(42)
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), key)
}
