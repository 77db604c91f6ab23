package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/internal/cdptest"
)

func TestDefaultRunnerConfig(t *testing.T) {
	cfg := DefaultRunnerConfig()
	assert.Equal(t, 10*time.Second, cfg.ScanInterval)
	assert.Equal(t, time.Second, cfg.MinRescanInterval)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
}

func runInBackground(t *testing.T, r *Runner, initial inject.BehaviorConfig) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, initial) }()

	var once bool
	cancel = func() {
		if once {
			return
		}
		once = true
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("runner did not stop")
		}
	}
	t.Cleanup(cancel)
	return cancel
}

func TestRunner_ConvergesAndStopsOnCancel(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("A")
	o := newTestOrchestrator(t, b, time.Second)
	r := NewRunner(o, RunnerConfig{ScanInterval: 50 * time.Millisecond}, zap.NewNop())

	cancel := runInBackground(t, r, inject.BehaviorConfig{PollFrequency: 100})
	require.Eventually(t, func() bool { return o.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.IsRunning())

	b.AddWorkbench("B")
	require.Eventually(t, func() bool { return o.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.False(t, r.IsRunning())
	assert.False(t, o.Enabled())
	assert.Zero(t, o.ConnectionCount())
	assert.Equal(t, 1, b.CountContaining("A", inject.StopExpression))
}

func TestRunner_RescanIsRateLimited(t *testing.T) {
	b := cdptest.NewBrowser(t)
	o := newTestOrchestrator(t, b, time.Second)
	r := NewRunner(o, RunnerConfig{ScanInterval: time.Hour, MinRescanInterval: time.Hour}, zap.NewNop())

	runInBackground(t, r, inject.BehaviorConfig{})
	require.Eventually(t, func() bool { return b.ListHits() >= 1 }, 2*time.Second, 10*time.Millisecond)

	b.AddWorkbench("A")
	assert.True(t, r.Rescan())
	assert.False(t, r.Rescan(), "second rescan inside the interval is refused")
	require.Eventually(t, func() bool { return o.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_SetBehaviorReconfiguresSessions(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("A")
	o := newTestOrchestrator(t, b, time.Second)
	r := NewRunner(o, RunnerConfig{ScanInterval: time.Hour}, zap.NewNop())

	runInBackground(t, r, inject.BehaviorConfig{PollFrequency: 100})
	require.Eventually(t, func() bool { return o.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.SetBehavior(inject.BehaviorConfig{PollFrequency: 777, BannedCommands: []string{"rm -rf /"}})
	require.Eventually(t, func() bool {
		return b.CountContaining("A", `"pollFrequency":777`) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.CountContaining("A", testScript))
}

func TestRunner_IdleWhileDisabled(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("A")
	o := newTestOrchestrator(t, b, time.Second)
	r := NewRunner(o, RunnerConfig{ScanInterval: 20 * time.Millisecond}, zap.NewNop())

	runInBackground(t, r, inject.BehaviorConfig{})
	require.Eventually(t, func() bool { return o.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	o.Stop(context.Background())
	require.Eventually(t, func() bool { return o.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	hits := b.ListHits()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, hits, b.ListHits(), "no discovery while disabled")
	assert.Zero(t, o.ConnectionCount())
}

func TestRunner_RunTwiceIsNoop(t *testing.T) {
	b := cdptest.NewBrowser(t)
	o := newTestOrchestrator(t, b, time.Second)
	r := NewRunner(o, RunnerConfig{ScanInterval: time.Hour}, zap.NewNop())

	runInBackground(t, r, inject.BehaviorConfig{})
	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)
	assert.NoError(t, r.Run(context.Background(), inject.BehaviorConfig{}))
}

func TestRunner_StartIdleWaitsForStart(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("A")
	o := newTestOrchestrator(t, b, time.Second)
	r := NewRunner(o, RunnerConfig{ScanInterval: 20 * time.Millisecond, StartIdle: true}, zap.NewNop())

	cfg := inject.BehaviorConfig{PollFrequency: 300}
	runInBackground(t, r, cfg)
	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, o.Enabled())
	assert.Zero(t, o.ConnectionCount())
	assert.Equal(t, 300, o.Behavior().PollFrequency, "initial behavior is recorded")

	o.Start(context.Background(), o.Behavior())
	assert.Equal(t, 1, o.ConnectionCount())
}
