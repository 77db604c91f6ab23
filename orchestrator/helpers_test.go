package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/internal/cdptest"
)

const testScript = "window.__orchestratorTestScript = 1;"

// scriptedPage answers the contract entry points with per-target values.
type scriptedPage struct {
	mu      sync.Mutex
	replies map[string]map[string]cdptest.Reply // target -> entry point -> reply
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{replies: map[string]map[string]cdptest.Reply{}}
}

func (p *scriptedPage) set(target, fn string, r cdptest.Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replies[target] == nil {
		p.replies[target] = map[string]cdptest.Reply{}
	}
	p.replies[target][fn] = r
}

func (p *scriptedPage) eval(target, expr string) cdptest.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Most specific entry point first: the summary expression also names the stats getter.
	for _, fn := range []string{
		inject.FnGetSessionSummary,
		inject.FnResetStats,
		inject.FnGetAwayActions,
		inject.FnGetStats,
	} {
		if strings.Contains(expr, fn) {
			if r, ok := p.replies[target][fn]; ok {
				return r
			}
			return cdptest.Reply{Value: defaultFor(fn)}
		}
	}
	return cdptest.Reply{}
}

// defaultFor mirrors what the guarded expressions produce when the script
// does not define fn.
func defaultFor(fn string) string {
	switch fn {
	case inject.FnGetAwayActions:
		return "0"
	case inject.FnResetStats:
		return `{"clicks":0,"blocked":0}`
	default:
		return "{}"
	}
}

func newTestOrchestrator(t *testing.T, b *cdptest.Browser, callTimeout time.Duration) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Prober.BasePort = b.Port()
	cfg.Prober.Radius = 0
	cfg.Prober.Timeout = time.Second
	cfg.Connector.ConnectTimeout = 2 * time.Second
	cfg.Correlator.CallTimeout = callTimeout

	o := New(cfg, inject.StaticScript(testScript), zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	return o
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func sessionFor(t *testing.T, o *Orchestrator, b *cdptest.Browser, id string) *cdp.Session {
	t.Helper()
	s, ok := o.Registry().Get(cdp.NewSessionKey(b.Port(), id))
	if !ok {
		t.Fatalf("no session for %s", id)
	}
	return s
}
