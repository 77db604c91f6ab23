package inject

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/internal/cdptest"
)

const testScript = "window.__testScriptBody = true;"

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) RecordInjection(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

type fixture struct {
	browser  *cdptest.Browser
	registry *cdp.Registry
	injector *Injector
	recorder *countingRecorder
	key      cdp.SessionKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("A")

	reg := cdp.NewRegistry()
	corr := cdp.NewCorrelator(reg, cdp.CorrelatorConfig{CallTimeout: 300 * time.Millisecond}, zap.NewNop())
	conn := cdp.NewConnector(reg, corr, cdp.ConnectorConfig{}, zap.NewNop())
	prober := cdp.NewProber(cdp.ProberConfig{BasePort: b.Port(), Radius: 0}, zap.NewNop())
	t.Cleanup(func() {
		for _, s := range reg.Clear() {
			_ = s.Conn().Close()
		}
	})

	targets := prober.ListTargets(context.Background(), b.Port())
	require.Len(t, targets, 1)
	require.True(t, conn.Connect(context.Background(), targets[0]))

	rec := &countingRecorder{}
	return &fixture{
		browser:  b,
		registry: reg,
		injector: New(corr, reg, StaticScript(testScript), zap.NewNop(), WithRecorder(rec)),
		recorder: rec,
		key:      targets[0].Key(),
	}
}

func TestInjector_DeliversScriptOnceAndReconfiguresEveryTime(t *testing.T) {
	f := newFixture(t)
	cfg := BehaviorConfig{PollFrequency: 250}

	require.NoError(t, f.injector.Inject(context.Background(), f.key, cfg))
	require.NoError(t, f.injector.Inject(context.Background(), f.key, cfg))

	exprs := f.browser.Expressions("A")
	require.Len(t, exprs, 3)
	assert.Equal(t, testScript, exprs[0])
	assert.True(t, strings.HasPrefix(exprs[1], "if(window.__autoAcceptStart)"))
	assert.Equal(t, exprs[1], exprs[2])
	assert.Equal(t, 1, f.browser.CountContaining("A", testScript))

	sess, ok := f.registry.Get(f.key)
	require.True(t, ok)
	assert.True(t, sess.Injected())
	assert.Equal(t, 1, f.recorder.count(OutcomeDelivered))
	assert.Equal(t, 2, f.recorder.count(OutcomeReconfigured))
}

func TestInjector_ConcurrentInjectDeliversOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.injector.Inject(context.Background(), f.key, BehaviorConfig{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.browser.CountContaining("A", testScript))
	assert.Equal(t, 8, f.browser.CountContaining("A", "__autoAcceptStart"))
}

func TestInjector_FailedDeliveryIsRetried(t *testing.T) {
	f := newFixture(t)
	f.browser.HandleEval(func(_, expr string) cdptest.Reply {
		if expr == testScript {
			return cdptest.Reply{Drop: true}
		}
		return cdptest.Reply{}
	})

	err := f.injector.Inject(context.Background(), f.key, BehaviorConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, cdp.ErrCallTimeout)
	sess, _ := f.registry.Get(f.key)
	assert.False(t, sess.Injected())
	assert.Equal(t, 1, f.recorder.count(OutcomeFailed))
	assert.Zero(t, f.browser.CountContaining("A", "__autoAcceptStart"), "no reconfigure after a failed delivery")

	f.browser.HandleEval(func(string, string) cdptest.Reply { return cdptest.Reply{} })
	require.NoError(t, f.injector.Inject(context.Background(), f.key, BehaviorConfig{}))
	assert.True(t, sess.Injected())
	assert.Equal(t, 2, f.browser.CountContaining("A", testScript))
}

func TestInjector_RemoteExceptionStillMarksInjected(t *testing.T) {
	f := newFixture(t)
	f.browser.HandleEval(func(string, string) cdptest.Reply {
		return cdptest.Reply{Exception: "SyntaxError: Unexpected token"}
	})

	require.NoError(t, f.injector.Inject(context.Background(), f.key, BehaviorConfig{}))
	sess, _ := f.registry.Get(f.key)
	assert.True(t, sess.Injected())
}

func TestInjector_MissingSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	err := f.injector.Inject(context.Background(), cdp.NewSessionKey(1, "ghost"), BehaviorConfig{})
	assert.NoError(t, err)
	assert.Empty(t, f.browser.Expressions("ghost"))
}
