package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	signedmedia "github.com/wolfeidau/signed-media"
)

type fetched struct {
	Digest signedmedia.Hash
	Size   int64
}

func TestDo_SingleCall(t *testing.T) {
	g := New[*fetched]()

	expected := &fetched{Digest: signedmedia.HashBytes([]byte("hello")), Size: 5}

	result, shared, err := g.Do(context.Background(), "key1", func(ctx context.Context) (*fetched, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, expected.Digest, result.Digest)
	require.Equal(t, 0, g.InFlight())
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	release := make(chan struct{})

	results := make([]string, 10)
	errs := make([]error, 10)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = g.Do(context.Background(), "https://cdn.example/a.png", func(ctx context.Context) (string, error) {
				callCount.Add(1)
				<-release
				return "https://signed.example/a.png?sig=1", nil
			})
		}(i)
	}

	require.Eventually(t, func() bool { return callCount.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, "https://signed.example/a.png?sig=1", results[i])
	}
	require.Equal(t, int32(1), callCount.Load(), "operation should run exactly once")
}

func TestDo_CallerTimeoutDoesNotCancelOthers(t *testing.T) {
	g := New[int]()

	started := make(chan struct{})
	release := make(chan struct{})
	var fnCtxErr atomic.Value

	fn := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			fnCtxErr.Store(err)
		}
		return 42, nil
	}

	var (
		patientResult int
		patientErr    error
		wg            sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		patientResult, _, patientErr = g.Do(context.Background(), "k", fn)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "k", fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()

	require.NoError(t, patientErr)
	require.Equal(t, 42, patientResult)
	require.Nil(t, fnCtxErr.Load(), "operation context must survive one waiter leaving")
}

func TestDo_LastWaiterLeavingCancelsOperation(t *testing.T) {
	g := New[int]()

	started := make(chan struct{})
	observed := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, _, err := g.Do(ctx, "k", func(fctx context.Context) (int, error) {
		close(started)
		<-fctx.Done()
		observed <- fctx.Err()
		return 0, fctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	select {
	case ferr := <-observed:
		require.ErrorIs(t, ferr, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("operation was not cancelled after its only waiter left")
	}
	require.Equal(t, 0, g.InFlight())
}

func TestDo_LateJoinerRetriesCancelledFlight(t *testing.T) {
	g := New[string]()

	firstStarted := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = g.Do(ctx, "k", func(fctx context.Context) (string, error) {
			calls.Add(1)
			close(firstStarted)
			<-fctx.Done()
			<-unblock
			return "", fctx.Err()
		})
	}()
	<-firstStarted
	cancel()
	<-done

	// The first operation is still finishing with a cancelled context when
	// the next caller arrives.
	result := make(chan string, 1)
	go func() {
		v, _, err := g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "fresh", nil
		})
		if err == nil {
			result <- v
		}
		close(result)
	}()
	time.Sleep(10 * time.Millisecond)
	close(unblock)

	select {
	case v := <-result:
		require.Equal(t, "fresh", v)
	case <-time.After(time.Second):
		t.Fatal("late joiner never completed")
	}
	require.Equal(t, int32(2), calls.Load())
}

func TestDo_Error(t *testing.T) {
	g := New[int]()

	expectedErr := errors.New("upstream failed")
	errs := make([]error, 5)
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = g.Do(context.Background(), "error-key", func(ctx context.Context) (int, error) {
				time.Sleep(20 * time.Millisecond)
				return 0, expectedErr
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	results := make([]string, 5)
	errs := make([]error, 5)
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			results[idx], _, errs[idx] = g.Do(context.Background(), key, func(ctx context.Context) (string, error) {
				callCount.Add(1)
				return key, nil
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
		require.Equal(t, "key-"+string(rune('a'+i)), results[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should run its own operation")
}

func TestDo_Forget(t *testing.T) {
	g := New[int]()

	expectedErr := errors.New("transient error")
	var callCount atomic.Int32

	_, _, err := g.Do(context.Background(), "retry-key", func(ctx context.Context) (int, error) {
		callCount.Add(1)
		return 0, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	g.Forget("retry-key")

	v, shared, err := g.Do(context.Background(), "retry-key", func(ctx context.Context) (int, error) {
		callCount.Add(1)
		return 7, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, 7, v)
	require.Equal(t, int32(2), callCount.Load())
}
