package cdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/internal/cdptest"
)

// harness wires a fake browser to a registry, correlator and connector.
type harness struct {
	browser    *cdptest.Browser
	registry   *Registry
	correlator *Correlator
	connector  *Connector
	prober     *Prober
}

func newHarness(t *testing.T, callTimeout time.Duration) *harness {
	t.Helper()
	b := cdptest.NewBrowser(t)
	reg := NewRegistry()
	corr := NewCorrelator(reg, CorrelatorConfig{CallTimeout: callTimeout}, zap.NewNop())
	conn := NewConnector(reg, corr, ConnectorConfig{ConnectTimeout: 2 * time.Second}, zap.NewNop())
	prober := NewProber(ProberConfig{BasePort: b.Port(), Radius: 0, Timeout: time.Second}, zap.NewNop())
	t.Cleanup(func() {
		for _, s := range reg.Clear() {
			_ = s.Conn().Close()
		}
	})
	return &harness{browser: b, registry: reg, correlator: corr, connector: conn, prober: prober}
}

// attach adds a workbench target and connects to it.
func (h *harness) attach(t *testing.T, id string) SessionKey {
	t.Helper()
	h.browser.AddWorkbench(id)
	targets := h.prober.ListTargets(testContext(t), h.browser.Port())
	for _, tgt := range targets {
		if tgt.ID == id {
			require.True(t, h.connector.Connect(testContext(t), tgt))
			return tgt.Key()
		}
	}
	t.Fatalf("target %s not discovered", id)
	return ""
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
