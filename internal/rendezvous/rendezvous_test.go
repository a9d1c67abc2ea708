package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseAtTarget(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Wait(ctx, "gate", 3, time.Second, PolicyAll, i+1)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.True(t, res.Released)
		assert.Equal(t, ReasonTargetReached, res.Reason)
		assert.Equal(t, 3, res.VUCount)
	}
}

func TestTimeoutReleasesWaiters(t *testing.T) {
	r := NewRegistry()
	start := time.Now()
	res, err := r.Wait(context.Background(), "gate", 5, 50*time.Millisecond, PolicyAll, 1)
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 1, res.VUCount)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFirstNReleasesOnlyFirstN(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	// Two early arrivals that will be released by the third.
	type outcome struct {
		vu  int
		res *Result
	}
	outcomes := make(chan outcome, 3)
	for _, vu := range []int{1, 2} {
		go func(vu int) {
			res, err := r.Wait(ctx, "gate", 2, 500*time.Millisecond, PolicyFirstN, vu)
			require.NoError(t, err)
			outcomes <- outcome{vu, res}
		}(vu)
	}

	// Wait until both are parked, then a third arrives and trips the
	// barrier. first_n keeps the third waiting.
	require.Eventually(t, func() bool { return r.Waiting("gate") == 2 }, time.Second, 5*time.Millisecond)

	res, err := r.Wait(ctx, "gate", 2, 200*time.Millisecond, PolicyFirstN, 3)
	require.NoError(t, err)

	first := <-outcomes
	second := <-outcomes
	assert.Equal(t, ReasonTargetReached, first.res.Reason)
	assert.Equal(t, ReasonTargetReached, second.res.Reason)
	assert.Equal(t, 2, first.res.VUCount)

	// VU 3 waited for the next fill that never came and timed out.
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestContextCancellation(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(ctx, "gate", 2, time.Minute, PolicyAll, 1)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return r.Waiting("gate") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock the waiter")
	}
	assert.Equal(t, 0, r.Waiting("gate"))
}

func TestReentryRejected(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	go r.Wait(ctx, "gate", 3, time.Second, PolicyAll, 7)
	require.Eventually(t, func() bool { return r.Waiting("gate") == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.Wait(ctx, "gate", 3, time.Second, PolicyAll, 7)
	assert.ErrorContains(t, err, "already waiting")
}

func TestInvalidTarget(t *testing.T) {
	r := NewRegistry()
	_, err := r.Wait(context.Background(), "gate", 0, time.Second, PolicyAll, 1)
	assert.Error(t, err)
}

func TestBarrierRefills(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		var wg sync.WaitGroup
		for vu := 1; vu <= 2; vu++ {
			wg.Add(1)
			go func(vu int) {
				defer wg.Done()
				res, err := r.Wait(ctx, "gate", 2, time.Second, PolicyAll, vu)
				require.NoError(t, err)
				assert.Equal(t, ReasonTargetReached, res.Reason)
			}(vu)
		}
		wg.Wait()
	}
}
