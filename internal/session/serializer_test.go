package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitQueued(t *testing.T, s *serializer, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, queued := s.busy(id)
		return queued == n
	}, time.Second, time.Millisecond)
}

func TestSerializerFIFO(t *testing.T) {
	s := newSerializer(time.Second)
	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Do(context.Background(), "a", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitQueued(t, s, "a", i+1)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Empty(t, s.Stats().Busy)
}

func TestSerializerIndependentKeys(t *testing.T) {
	s := newSerializer(time.Second)
	releaseA, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := s.Acquire(context.Background(), "b")
	require.NoError(t, err)
	releaseB()
}

func TestSerializerTimeoutNeverRuns(t *testing.T) {
	s := newSerializer(30 * time.Millisecond)
	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ran := false
	err = s.Do(context.Background(), "a", func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrQueueTimeout)

	release()
	assert.False(t, ran)
	st := s.Stats()
	assert.Empty(t, st.Busy)
	assert.Zero(t, st.Queued)
}

func TestSerializerContextCancel(t *testing.T) {
	s := newSerializer(time.Second)
	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, queued := s.busy("a")
	assert.Zero(t, queued)
}

func TestSerializerTryAcquire(t *testing.T) {
	s := newSerializer(time.Second)

	release, ok := s.TryAcquire("a")
	require.True(t, ok)
	_, ok = s.TryAcquire("a")
	assert.False(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Do(context.Background(), "a", func() error { return nil })
	}()
	waitQueued(t, s, "a", 1)

	release()
	<-done
	release2, ok := s.TryAcquire("a")
	require.True(t, ok)
	release2()
}

func TestSerializerTryAcquireSkipsQueued(t *testing.T) {
	s := newSerializer(time.Second)
	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)

	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Do(context.Background(), "a", func() error {
			<-gate
			return nil
		})
	}()
	waitQueued(t, s, "a", 1)
	release()

	// The waiter now holds the lock.
	_, ok := s.TryAcquire("a")
	assert.False(t, ok)
	close(gate)
	<-done
}

func TestSerializerReleasesOnPanic(t *testing.T) {
	s := newSerializer(time.Second)
	func() {
		defer func() { _ = recover() }()
		_ = s.Do(context.Background(), "a", func() error { panic("boom") })
	}()
	release, ok := s.TryAcquire("a")
	require.True(t, ok)
	release()
}

func TestSerializerReleaseIdempotent(t *testing.T) {
	s := newSerializer(time.Second)
	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)

	release2 := func() {}
	done := make(chan struct{})
	go func() {
		defer close(done)
		var err error
		release2, err = s.Acquire(context.Background(), "a")
		if err != nil {
			t.Error(err)
		}
	}()
	waitQueued(t, s, "a", 1)

	release()
	<-done
	// A second call to the first release must not free the new holder.
	release()
	_, ok := s.TryAcquire("a")
	assert.False(t, ok)
	release2()
}

func TestSerializerDoReturnsFnError(t *testing.T) {
	s := newSerializer(time.Second)
	want := errors.New("failed")
	assert.ErrorIs(t, s.Do(context.Background(), "a", func() error { return want }), want)
}
