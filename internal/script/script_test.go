package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRun(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("setup", func(ctx context.Context, hc *HookContext) error {
		called = true
		hc.Variables["token"] = "abc"
		return nil
	})

	hc := &HookContext{VUID: 1, Variables: map[string]interface{}{}}
	require.NoError(t, r.Run(context.Background(), "setup", hc, time.Second))
	assert.True(t, called)
	assert.Equal(t, "abc", hc.Variables["token"])
}

func TestRegistryRunMissing(t *testing.T) {
	r := NewRegistry()
	err := r.Run(context.Background(), "nope", &HookContext{}, time.Second)
	assert.ErrorContains(t, err, "not registered")
}

func TestRegistryRunError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("failing", func(ctx context.Context, hc *HookContext) error { return boom })

	err := r.Run(context.Background(), "failing", &HookContext{}, time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryRunTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context, hc *HookContext) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := r.Run(context.Background(), "slow", &HookContext{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryRunParentCancellation(t *testing.T) {
	r := NewRegistry()
	r.Register("waiting", func(ctx context.Context, hc *HookContext) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.Run(ctx, "waiting", &HookContext{}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryReplaceAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(ctx context.Context, hc *HookContext) error { return nil })
	r.Register("a", func(ctx context.Context, hc *HookContext) error { return errors.New("v2") })
	r.Register("b", func(ctx context.Context, hc *HookContext) error { return nil })

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
	err := r.Run(context.Background(), "a", &HookContext{}, time.Second)
	assert.ErrorContains(t, err, "v2")
}
