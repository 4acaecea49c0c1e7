package timer

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

func newIOService(t *testing.T) *reactor.IOService {
	t.Helper()
	ios, err := reactor.New(reactor.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ios.Shutdown() })
	return ios
}

// advanceUntil moves the mock clock forward in 1ms steps until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		mock.Add(time.Millisecond)
	}
}

func TestTimerFiresAndCancelledTimerAborts(t *testing.T) {
	ios := newIOService(t)
	var fired atomic.Int64
	s, err := Use(ios, withFiredHook(func(n int) { fired.Add(int64(n)) }))
	require.NoError(t, err)

	start := time.Now()
	var (
		fireErr   = api.ErrInvalidArgument
		cancelErr error
		elapsed   time.Duration
	)
	require.NoError(t, s.AddTimer("fire", start.Add(50*time.Millisecond),
		reactor.NewOperation(api.OpTimer, func(err error, _ int) {
			fireErr = err
			elapsed = time.Since(start)
		})))
	require.NoError(t, s.AddTimer("cancel", start.Add(time.Hour),
		reactor.NewOperation(api.OpTimer, func(err error, _ int) { cancelErr = err })))
	assert.Equal(t, 2, s.Pending())
	assert.EqualValues(t, 2, ios.OutstandingWork())

	require.True(t, s.RemoveTimer("cancel"))
	assert.False(t, s.RemoveTimer("cancel"))

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, fireErr)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.ErrorIs(t, cancelErr, api.ErrOperationAborted)
	assert.EqualValues(t, 1, fired.Load())
	assert.Zero(t, s.Pending())
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	ios := newIOService(t)
	s, err := Use(ios)
	require.NoError(t, err)

	var got error = api.ErrInvalidArgument
	require.NoError(t, s.AddTimer(1, time.Now().Add(-time.Second),
		reactor.NewOperation(api.OpTimer, func(err error, _ int) { got = err })))

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, got)
}

func TestDuplicateKeyRejected(t *testing.T) {
	ios := newIOService(t)
	s, err := Use(ios, WithPortableWaiter())
	require.NoError(t, err)

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, s.AddTimer("k", deadline, reactor.NewOperation(api.OpTimer, func(error, int) {})))
	err = s.AddTimer("k", deadline, reactor.NewOperation(api.OpTimer, func(error, int) {}))
	assert.ErrorIs(t, err, api.ErrTimerExists)
	assert.EqualValues(t, 1, ios.OutstandingWork())
	require.True(t, s.RemoveTimer("k"))
}

func TestMockClockOrdering(t *testing.T) {
	ios := newIOService(t)
	mock := clock.NewMock()
	s, err := Use(ios, WithClock(mock))
	require.NoError(t, err)
	assert.Same(t, mock, s.Clock())

	var mu sync.Mutex
	var order []string
	add := func(name string, d time.Duration) {
		require.NoError(t, s.AddTimer(name, mock.Now().Add(d),
			reactor.NewOperation(api.OpTimer, func(err error, _ int) {
				assert.NoError(t, err)
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			})))
	}
	add("late", 20*time.Millisecond)
	add("early", 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ios.Run()
		assert.NoError(t, err)
	}()

	advanceUntil(t, mock, func() bool { return s.Pending() == 1 })
	advanceUntil(t, mock, func() bool { return s.Pending() == 0 })
	<-done
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestShutdownDestroysArmedTimers(t *testing.T) {
	ios, err := reactor.New()
	require.NoError(t, err)
	s, err := Use(ios)
	require.NoError(t, err)

	released, called := 0, false
	require.NoError(t, s.AddTimer("x", time.Now().Add(time.Hour),
		reactor.NewOperation(api.OpTimer, func(error, int) { called = true }).
			OnDestroy(func() { released++ })))
	assert.EqualValues(t, 1, ios.OutstandingWork())

	require.NoError(t, ios.Shutdown())
	assert.Equal(t, 1, released)
	assert.False(t, called)
	assert.Zero(t, ios.OutstandingWork())

	err = s.AddTimer("y", time.Now(), reactor.NewOperation(api.OpTimer, func(error, int) {}))
	assert.ErrorIs(t, err, api.ErrShutdown)
}

// Fire and cancel race for every entry; each operation must complete once.
func TestFireCancelRaceCompletesOnce(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"native", nil},
		{"portable", []Option{WithPortableWaiter()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ios := newIOService(t)
			s, err := Use(ios, tc.opts...)
			require.NoError(t, err)

			const n = 400
			var (
				completions [n]atomic.Int32
				aborted     atomic.Int64
				removed     atomic.Int64
			)
			base := time.Now().Add(2 * time.Millisecond)
			for i := 0; i < n; i++ {
				deadline := base.Add(time.Duration(rand.Intn(2000)) * time.Microsecond)
				require.NoError(t, s.AddTimer(i, deadline,
					reactor.NewOperation(api.OpTimer, func(err error, _ int) {
						completions[i].Add(1)
						if err != nil {
							aborted.Add(1)
						}
					})))
			}

			var pollers errgroup.Group
			for p := 0; p < 4; p++ {
				pollers.Go(func() error {
					_, err := ios.Run()
					return err
				})
			}

			var cancellers sync.WaitGroup
			for c := 0; c < 4; c++ {
				cancellers.Add(1)
				go func(c int) {
					defer cancellers.Done()
					for i := c; i < n; i += 4 {
						if rand.Intn(2) == 0 {
							time.Sleep(time.Duration(rand.Intn(50)) * time.Microsecond)
						}
						if s.RemoveTimer(i) {
							removed.Add(1)
						}
					}
				}(c)
			}
			cancellers.Wait()
			require.NoError(t, pollers.Wait())

			for i := range completions {
				assert.EqualValues(t, 1, completions[i].Load(), "timer %d", i)
			}
			assert.Equal(t, removed.Load(), aborted.Load())
			assert.Zero(t, s.Pending())
			assert.Zero(t, ios.OutstandingWork())
		})
	}
}

// brokenWaiter blocks in wait until a failure is injected.
type brokenWaiter struct {
	failure chan error
	done    chan struct{}
	once    sync.Once
}

func newBrokenWaiter() *brokenWaiter {
	return &brokenWaiter{failure: make(chan error, 1), done: make(chan struct{})}
}

func (w *brokenWaiter) arm(uint64, time.Time) error { return nil }
func (w *brokenWaiter) disarm(uint64)               {}
func (w *brokenWaiter) signal()                     {}
func (w *brokenWaiter) close() error                { return nil }
func (w *brokenWaiter) interrupt()                  { w.once.Do(func() { close(w.done) }) }

func (w *brokenWaiter) wait() ([]uint64, error) {
	select {
	case err := <-w.failure:
		return nil, err
	case <-w.done:
		return nil, errWaiterClosed
	}
}

func TestWaiterFailureFailsPendingAndLaterTimers(t *testing.T) {
	ios := newIOService(t)
	w := newBrokenWaiter()
	s, err := New(ios, withWaiter(w))
	require.NoError(t, err)
	require.NoError(t, reactor.AddService(ios, s))

	var errs []error
	record := func(err error, _ int) { errs = append(errs, err) }
	now := time.Now()
	require.NoError(t, s.AddTimer("a", now.Add(time.Hour), reactor.NewOperation(api.OpTimer, record)))
	require.NoError(t, s.AddTimer("b", now.Add(2*time.Hour), reactor.NewOperation(api.OpTimer, record)))

	broken := errors.New("epoll_wait: bad file descriptor")
	w.failure <- broken
	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, broken)
	}
	assert.Zero(t, s.Pending())

	err = s.AddTimer("c", now.Add(time.Hour), reactor.NewOperation(api.OpTimer, record))
	assert.ErrorIs(t, err, broken)
	assert.Zero(t, ios.OutstandingWork(), "a rejected timer starts no work")
}
