package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProberConfig configures target discovery.
type ProberConfig struct {
	Host            string        // Discovery host (default 127.0.0.1)
	BasePort        int           // Centre of the scan range (default 9000)
	Radius          int           // Ports scanned on each side of BasePort (default 3)
	Timeout         time.Duration // Per-port HTTP deadline (default 500ms)
	WorkbenchMarker string        // Substring a target URL must contain (default workbench.html)
}

// DefaultProberConfig returns a ProberConfig with sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Host:            "127.0.0.1",
		BasePort:        9000,
		Radius:          3,
		Timeout:         500 * time.Millisecond,
		WorkbenchMarker: "workbench.html",
	}
}

// Prober enumerates attachable workbench targets on candidate ports.
type Prober struct {
	config   ProberConfig
	client   *http.Client
	recorder Recorder
	logger   *zap.Logger
}

// ProberOption customizes a Prober.
type ProberOption func(*Prober)

// WithHTTPClient overrides the HTTP client used for discovery.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// WithProberRecorder sets the measurement sink.
func WithProberRecorder(r Recorder) ProberOption {
	return func(p *Prober) { p.recorder = r }
}

// NewProber creates a Prober. Zero-value config fields take defaults.
func NewProber(config ProberConfig, logger *zap.Logger, opts ...ProberOption) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultProberConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.BasePort == 0 {
		config.BasePort = def.BasePort
	}
	if config.Radius < 0 {
		config.Radius = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.WorkbenchMarker == "" {
		config.WorkbenchMarker = def.WorkbenchMarker
	}

	p := &Prober{
		config:   config,
		recorder: NopRecorder{},
		logger:   logger.With(zap.String("component", "cdp_prober")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
				DialContext:       (&net.Dialer{Timeout: config.Timeout}).DialContext,
			},
		}
	}
	return p
}

// Config returns the effective configuration.
func (p *Prober) Config() ProberConfig { return p.config }

// Ports returns the scan range BasePort-Radius .. BasePort+Radius in
// ascending order, clipped to valid TCP ports.
func (p *Prober) Ports() []int {
	ports := make([]int, 0, 2*p.config.Radius+1)
	for port := p.config.BasePort - p.config.Radius; port <= p.config.BasePort+p.config.Radius; port++ {
		if port > 0 && port <= 65535 {
			ports = append(ports, port)
		}
	}
	return ports
}

// ListTargets returns the attachable workbench targets on port. Any
// network, timeout, status or decode failure yields an empty slice.
func (p *Prober) ListTargets(ctx context.Context, port int) []Target {
	raw, err := p.fetch(ctx, port)
	if err != nil {
		p.logger.Debug("probe failed", zap.Int("port", port), zap.Error(err))
		p.recorder.RecordProbe(port, 0, 0, err)
		return []Target{}
	}

	for i := range raw {
		raw[i].Port = port
	}
	kept, filtered := FilterTargets(raw, p.config.WorkbenchMarker)
	if filtered > 0 {
		p.logger.Debug("targets filtered out",
			zap.Int("port", port),
			zap.Int("filtered", filtered),
			zap.Int("kept", len(kept)))
	}
	p.recorder.RecordProbe(port, len(kept), filtered, nil)
	return kept
}

func (p *Prober) fetch(ctx context.Context, port int) ([]Target, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	url := "http://" + net.JoinHostPort(p.config.Host, strconv.Itoa(port)) + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var targets []Target
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode target list: %w", err)
	}
	return targets, nil
}

// IsAnyAvailable reports whether any port in range has at least one
// attachable target. It stops at the first hit.
func (p *Prober) IsAnyAvailable(ctx context.Context) bool {
	for _, port := range p.Ports() {
		if ctx.Err() != nil {
			return false
		}
		if len(p.ListTargets(ctx, port)) > 0 {
			return true
		}
	}
	return false
}

// FilterTargets keeps targets that expose a debugger URL, are a page or
// webview, and whose URL contains marker. It returns the kept targets in
// input order and the number dropped.
func FilterTargets(targets []Target, marker string) ([]Target, int) {
	kept := make([]Target, 0, len(targets))
	for _, t := range targets {
		if IsWorkbenchTarget(t, marker) {
			kept = append(kept, t)
		}
	}
	return kept, len(targets) - len(kept)
}

// IsWorkbenchTarget is the per-target predicate used by FilterTargets.
func IsWorkbenchTarget(t Target, marker string) bool {
	return t.WebSocketDebuggerURL != "" &&
		t.Type.Attachable() &&
		strings.Contains(t.URL, marker)
}
