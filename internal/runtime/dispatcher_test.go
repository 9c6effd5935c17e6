package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(4)
	var n int32
	for i := 0; i < 3; i++ {
		require.True(t, d.Go("count", func(context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		}))
	}
	require.True(t, d.Go("fails", func(context.Context) error { return errors.New("x") }))
	require.NoError(t, d.Wait(context.Background()))
	require.EqualValues(t, 3, atomic.LoadInt32(&n))
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(1)
	require.True(t, d.Go("boom", func(context.Context) error { panic("nope") }))
	require.NoError(t, d.Wait(context.Background()))
	require.True(t, d.Go("after", func(context.Context) error { return nil }))
	require.NoError(t, d.Wait(context.Background()))
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	d := NewDispatcher(1)
	release := make(chan struct{})
	require.True(t, d.Go("slow", func(context.Context) error {
		<-release
		return nil
	}))
	require.False(t, d.Go("extra", func(context.Context) error { return nil }))
	close(release)
	require.NoError(t, d.Wait(context.Background()))
}

func TestDispatcherJobsHaveDeadline(t *testing.T) {
	d := NewDispatcher(1)
	got := make(chan bool, 1)
	d.Go("deadline", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		got <- ok
		return nil
	})
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	require.False(t, d.Go("x", func(context.Context) error { return nil }))
}
