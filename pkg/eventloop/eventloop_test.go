package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRuns(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	ran := make(chan struct{})
	require.NoError(t, loop.Submit(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task did not run")
	}

	cancel()
	<-done
}

func TestScheduleTimerCancel(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	fired := make(chan struct{})
	cancelTimer, err := loop.ScheduleTimer(50*time.Millisecond, func() { close(fired) })
	require.NoError(t, err)
	cancelTimer()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}

	ran := make(chan struct{})
	_, err = loop.ScheduleTimer(10*time.Millisecond, func() { close(ran) })
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("uncancelled timer did not fire")
	}
}
