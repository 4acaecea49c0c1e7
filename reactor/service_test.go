package reactor_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/fake"
	"github.com/momentics/hioload-aio/reactor"
)

type recordingObserver struct {
	api.NopObserver
	mu        sync.Mutex
	completed map[api.OpKind]int
	discarded map[api.OpKind]int
	panics    []any
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		completed: make(map[api.OpKind]int),
		discarded: make(map[api.OpKind]int),
	}
}

func (o *recordingObserver) OperationCompleted(kind api.OpKind, _ error, _ time.Duration) {
	o.mu.Lock()
	o.completed[kind]++
	o.mu.Unlock()
}

func (o *recordingObserver) OperationDiscarded(kind api.OpKind) {
	o.mu.Lock()
	o.discarded[kind]++
	o.mu.Unlock()
}

func (o *recordingObserver) HandlerPanicked(_ api.OpKind, r any) {
	o.mu.Lock()
	o.panics = append(o.panics, r)
	o.mu.Unlock()
}

func newService(t *testing.T, opts ...reactor.Option) *reactor.IOService {
	t.Helper()
	opts = append([]reactor.Option{reactor.WithLogger(zaptest.NewLogger(t))}, opts...)
	ios, err := reactor.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ios.Shutdown() })
	return ios
}

func TestRunExecutesPostedHandlersAndStops(t *testing.T) {
	ios := newService(t)
	var order []int
	for i := 1; i <= 3; i++ {
		ios.Post(func() { order = append(order, i) })
	}
	assert.EqualValues(t, 3, ios.OutstandingWork())

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Zero(t, ios.OutstandingWork())
	assert.True(t, ios.Stopped())
}

func TestRunWithoutWorkReturnsImmediately(t *testing.T) {
	ios := newService(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := ios.Run()
		assert.NoError(t, err)
		assert.Zero(t, n)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked with no outstanding work")
	}
	assert.True(t, ios.Stopped())
}

func TestMultiplePollersRunEachHandlerOnce(t *testing.T) {
	ios := newService(t)
	work := reactor.NewWork(ios)

	const pollers, handlers = 4, 1000
	var g errgroup.Group
	var total atomic.Int64
	for i := 0; i < pollers; i++ {
		g.Go(func() error {
			n, err := ios.Run()
			total.Add(int64(n))
			return err
		})
	}

	counts := make([]atomic.Int32, handlers)
	var posters sync.WaitGroup
	for p := 0; p < 4; p++ {
		posters.Add(1)
		go func(p int) {
			defer posters.Done()
			for i := p; i < handlers; i += 4 {
				ios.Post(func() { counts[i].Add(1) })
			}
		}(p)
	}
	posters.Wait()
	work.Release()

	require.NoError(t, g.Wait())
	assert.EqualValues(t, handlers, total.Load())
	for i := range counts {
		assert.EqualValues(t, 1, counts[i].Load(), "handler %d", i)
	}
}

func TestStopIsIdempotentAndResetRestoresRun(t *testing.T) {
	ios := newService(t)
	work := reactor.NewWork(ios)
	defer work.Release()

	ios.Stop()
	ios.Stop()
	n, err := ios.Run()
	require.NoError(t, err)
	assert.Zero(t, n)

	ios.Reset()
	assert.False(t, ios.Stopped())
	ran := false
	ios.Post(func() {
		ran = true
		ios.Stop()
	})
	n, err = ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, ran)
}

func TestStopWakesAllBlockedPollers(t *testing.T) {
	ios := newService(t)
	work := reactor.NewWork(ios)
	defer work.Release()

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := ios.Run()
			return err
		})
	}
	time.Sleep(20 * time.Millisecond)
	ios.Stop()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pollers did not return after Stop")
	}
}

func TestDispatchRunsInlineOnlyInsidePoller(t *testing.T) {
	ios := newService(t)

	assert.False(t, ios.RunningInThisThread())
	outside := false
	ios.Dispatch(func() { outside = true })
	assert.False(t, outside, "dispatch from outside must post")

	var inlineOrder []string
	ios.Post(func() {
		assert.True(t, ios.RunningInThisThread())
		ios.Dispatch(func() { inlineOrder = append(inlineOrder, "dispatched") })
		inlineOrder = append(inlineOrder, "after")
	})

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, outside)
	assert.Equal(t, []string{"dispatched", "after"}, inlineOrder)
}

func TestCompletionRoundTripThroughPort(t *testing.T) {
	port := fake.NewPort()
	errOdd := errors.New("odd key")
	port.Rewrite = func(c api.Completion) api.Completion {
		c.Bytes = int(c.Key) * 10
		if c.Key%2 == 1 {
			c.Err = errOdd
		}
		return c
	}
	ios := newService(t, reactor.WithPort(port))

	type result struct {
		err error
		n   int
	}
	var results []result
	for i := 0; i < 4; i++ {
		ios.WorkStarted()
		op := reactor.NewOperation(api.OpRead, func(err error, n int) {
			results = append(results, result{err, n})
		})
		ios.PostDeferredCompletion(op, nil, 0)
	}

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, results, 4)
	for i, r := range results {
		key := i + 1
		assert.Equal(t, key*10, r.n)
		if key%2 == 1 {
			assert.ErrorIs(t, r.err, errOdd)
		} else {
			assert.NoError(t, r.err)
		}
	}
}

func TestRunReturnsWaitFailure(t *testing.T) {
	port := fake.NewPort()
	ios := newService(t, reactor.WithPort(port))
	work := reactor.NewWork(ios)
	defer work.Release()

	broken := errors.New("port broken")
	port.FailNextWait(broken)
	_, err := ios.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, broken)
}

func TestStaleCompletionPanics(t *testing.T) {
	port := fake.NewPort()
	ios := newService(t, reactor.WithPort(port))
	work := reactor.NewWork(ios)
	defer work.Release()

	port.Inject(api.Completion{Key: 9999})
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = ios.RunOne()
	}()
	err, ok := recovered.(error)
	require.True(t, ok, "expected an error panic, got %v", recovered)
	assert.ErrorIs(t, err, api.ErrStaleCompletion)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	obs := newRecordingObserver()
	ios := newService(t, reactor.WithObserver(obs))

	ios.Post(func() { panic("handler failure") })
	ran := false
	ios.Post(func() { ran = true })

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, ran)
	require.Len(t, obs.panics, 1)
	assert.Equal(t, "handler failure", obs.panics[0])
	assert.Equal(t, 1, obs.completed[api.OpPost])
	assert.Zero(t, ios.OutstandingWork())
}

func TestShutdownDestroysPendingOperations(t *testing.T) {
	obs := newRecordingObserver()
	ios, err := reactor.New(reactor.WithObserver(obs))
	require.NoError(t, err)

	var released, completed int
	for i := 0; i < 3; i++ {
		ios.PostImmediateCompletion(reactor.NewOperation(api.OpPost, func(error, int) { completed++ }).
			OnDestroy(func() { released++ }))
	}
	require.NoError(t, ios.Shutdown())
	assert.Equal(t, 3, released)
	assert.Zero(t, completed)
	assert.Zero(t, ios.OutstandingWork())
	assert.Equal(t, 3, obs.discarded[api.OpPost])

	// Later submissions are destroyed on the spot.
	ios.PostImmediateCompletion(reactor.NewOperation(api.OpPost, func(error, int) { completed++ }).
		OnDestroy(func() { released++ }))
	assert.Equal(t, 4, released)
	assert.Zero(t, ios.OutstandingWork())

	n, err := ios.Run()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, ios.Shutdown())
}

func TestPollRunsOnlyReadyHandlers(t *testing.T) {
	ios := newService(t)
	work := reactor.NewWork(ios)
	defer work.Release()

	n, err := ios.PollOne()
	require.NoError(t, err)
	assert.Zero(t, n)

	count := 0
	for i := 0; i < 3; i++ {
		ios.Post(func() { count++ })
	}
	n, err = ios.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ios.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, count)
	assert.False(t, ios.Stopped(), "work guard keeps the service running")
}

func TestRunBlocksUntilDeferredCompletionArrives(t *testing.T) {
	ios := newService(t)
	ios.WorkStarted()
	var got error
	op := reactor.NewOperation(api.OpConnect, func(err error, _ int) { got = err })

	go func() {
		time.Sleep(30 * time.Millisecond)
		ios.PostDeferredCompletion(op, api.ErrNotConnected, 0)
	}()

	start := time.Now()
	n, err := ios.RunOne()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.ErrorIs(t, got, api.ErrNotConnected)
	assert.True(t, ios.Stopped(), "last unit of work stops the service")
}

func TestSubmittingTwicePanics(t *testing.T) {
	ios := newService(t)
	op := reactor.NewOperation(api.OpPost, func(error, int) {})
	ios.PostImmediateCompletion(op)
	assert.Panics(t, func() { ios.PostDeferredCompletion(op, nil, 0) })
	n, err := ios.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkFinishedUnderflowPanics(t *testing.T) {
	ios := newService(t)
	assert.Panics(t, ios.WorkFinished)
}

func TestWorkGuardReleaseIsIdempotent(t *testing.T) {
	ios := newService(t)
	w := reactor.NewWork(ios)
	assert.EqualValues(t, 1, ios.OutstandingWork())
	w.Release()
	w.Release()
	assert.Zero(t, ios.OutstandingWork())
	assert.True(t, ios.Stopped())
}

func TestRegisterHandleUsesPort(t *testing.T) {
	ios := newService(t, reactor.WithPort(reactor.NewQueuePort()))
	key, err := ios.RegisterHandle(42)
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), key)

	require.NoError(t, ios.Shutdown())
	_, err = ios.RegisterHandle(43)
	assert.ErrorIs(t, err, api.ErrPortClosed)
}
