package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/autoaccept/cdpdriver/api"
	"github.com/autoaccept/cdpdriver/api/handlers"
	"github.com/autoaccept/cdpdriver/config"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/internal/cdptest"
	"github.com/autoaccept/cdpdriver/internal/telemetry"
)

// =============================================================================
// 配置映射
// =============================================================================

func TestEngineConfig_MapsDiscovery(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Discovery.Host = "10.1.2.3"
	cfg.Discovery.BasePort = 9222
	cfg.Discovery.Radius = 1
	cfg.Discovery.WorkbenchMarker = "index.html"
	cfg.Discovery.ProbeTimeout = 250 * time.Millisecond
	cfg.Discovery.ConnectTimeout = 3 * time.Second
	cfg.Discovery.CallTimeout = 4 * time.Second
	cfg.Discovery.FanOut = 2

	ec := engineConfig(cfg)

	assert.Equal(t, "10.1.2.3", ec.Prober.Host)
	assert.Equal(t, 9222, ec.Prober.BasePort)
	assert.Equal(t, 1, ec.Prober.Radius)
	assert.Equal(t, "index.html", ec.Prober.WorkbenchMarker)
	assert.Equal(t, 250*time.Millisecond, ec.Prober.Timeout)
	assert.Equal(t, 3*time.Second, ec.Connector.ConnectTimeout)
	assert.Equal(t, 4*time.Second, ec.Correlator.CallTimeout)
	assert.Equal(t, 2, ec.FanOut)
}

func TestRunnerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Discovery.ScanInterval = 3 * time.Second
	cfg.Discovery.MinRescanInterval = 200 * time.Millisecond
	cfg.Server.ShutdownTimeout = 7 * time.Second

	cfg.Behavior.AutoStart = true
	rc := runnerConfig(cfg)
	assert.Equal(t, 3*time.Second, rc.ScanInterval)
	assert.Equal(t, 200*time.Millisecond, rc.MinRescanInterval)
	assert.Equal(t, 7*time.Second, rc.StopTimeout)
	assert.False(t, rc.StartIdle)

	cfg.Behavior.AutoStart = false
	assert.True(t, runnerConfig(cfg).StartIdle)
}

func TestBehaviorConfig(t *testing.T) {
	b := behaviorConfig(config.BehaviorConfig{PollFrequency: 300, BackgroundMode: true})
	assert.Equal(t, 300, b.PollFrequency)
	assert.True(t, b.BackgroundMode)
	assert.NotNil(t, b.BannedCommands, "encodes as [] not null")

	src := config.BehaviorConfig{BannedCommands: []string{"rm -rf /"}}
	b = behaviorConfig(src)
	src.BannedCommands[0] = "changed"
	assert.Equal(t, []string{"rm -rf /"}, b.BannedCommands)
}

func TestBehaviorEqual(t *testing.T) {
	base := inject.BehaviorConfig{PollFrequency: 750, BannedCommands: []string{"a"}}
	assert.True(t, behaviorEqual(base, inject.BehaviorConfig{PollFrequency: 750, BannedCommands: []string{"a"}}))
	assert.False(t, behaviorEqual(base, inject.BehaviorConfig{PollFrequency: 500, BannedCommands: []string{"a"}}))
	assert.False(t, behaviorEqual(base, inject.BehaviorConfig{PollFrequency: 750, BackgroundMode: true, BannedCommands: []string{"a"}}))
	assert.False(t, behaviorEqual(base, inject.BehaviorConfig{PollFrequency: 750, BannedCommands: []string{"a", "b"}}))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

// =============================================================================
// 热更新
// =============================================================================

func TestApplyReload_PushesBehaviorAndLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	s := NewServer(cfg, "", zaptest.NewLogger(t), level, nil, withMetricsNamespace("reloadtest"))
	require.NoError(t, s.initEngine())

	next := cfg.Clone()
	next.Behavior.PollFrequency = 1500
	next.Behavior.BackgroundMode = true
	next.Log.Level = "debug"

	s.applyReload(cfg, next)

	got := s.orch.Behavior()
	assert.Equal(t, 1500, got.PollFrequency)
	assert.True(t, got.BackgroundMode)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
	assert.False(t, s.orch.Enabled(), "reload does not start a stopped engine")
}

// =============================================================================
// 端到端
// =============================================================================

type runningServer struct {
	srv    *Server
	cancel context.CancelFunc
	done   chan error
}

func (rs *runningServer) url(path string) string {
	return "http://" + rs.srv.HTTPAddr() + path
}

func (rs *runningServer) stop(t *testing.T) {
	t.Helper()
	rs.cancel()
	select {
	case err := <-rs.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func startServer(t *testing.T, cfg *config.Config, namespace string) *runningServer {
	t.Helper()
	s := NewServer(cfg, "", zaptest.NewLogger(t), zap.NewAtomicLevel(), &telemetry.Providers{},
		withHTTPAddr("127.0.0.1:0"),
		withMetricsAddr("127.0.0.1:0"),
		withMetricsNamespace(namespace),
	)

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningServer{srv: s, cancel: cancel, done: make(chan error, 1)}
	go func() { rs.done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-rs.done:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server not ready")
	}
	t.Cleanup(cancel)
	return rs
}

func testServerConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Discovery = singlePortDiscovery(port)
	cfg.Discovery.CallTimeout = time.Second
	cfg.Discovery.ScanInterval = 200 * time.Millisecond
	cfg.Discovery.MinRescanInterval = 10 * time.Millisecond
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func getJSON(t *testing.T, req *http.Request, dst any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		if len(envelope.Data) > 0 {
			require.NoError(t, json.Unmarshal(envelope.Data, dst))
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

func TestServer_EndToEnd(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("wb-1")
	b.HandleEval(func(_, expr string) cdptest.Reply {
		if strings.Contains(expr, inject.FnGetStats) {
			return cdptest.Reply{Value: cdptest.JSONValue(map[string]int{"clicks": 5, "blocked": 2})}
		}
		return cdptest.Reply{}
	})

	cfg := testServerConfig(b.Port())
	cfg.Server.APIKeys = []string{"test-key"}
	rs := startServer(t, cfg, "e2etest")

	authed := func(method, path, body string) *http.Request {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, rs.url(path), r)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", "test-key")
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		return req
	}

	// 健康检查无需认证
	healthReq, _ := http.NewRequest(http.MethodGet, rs.url("/health"), nil)
	assert.Equal(t, http.StatusOK, getJSON(t, healthReq, nil))

	// 控制 API 需要认证
	anonReq, _ := http.NewRequest(http.MethodGet, rs.url("/api/v1/status"), nil)
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, anonReq, nil))

	// auto_start 时后台扫描会连上目标
	require.Eventually(t, func() bool {
		var sessions api.SessionsResponse
		getJSON(t, authed(http.MethodGet, "/api/v1/sessions", ""), &sessions)
		return sessions.Count == 1
	}, 5*time.Second, 50*time.Millisecond)

	var status api.StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, authed(http.MethodGet, "/api/v1/status", ""), &status))
	assert.True(t, status.Enabled)
	assert.True(t, status.Running)
	assert.True(t, status.Available)
	assert.Equal(t, []int{b.Port()}, status.Ports)

	readyResp, err := http.Get(rs.url("/ready"))
	require.NoError(t, err)
	var health handlers.HealthStatus
	require.NoError(t, json.NewDecoder(readyResp.Body).Decode(&health))
	readyResp.Body.Close()
	assert.Equal(t, http.StatusOK, readyResp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "pass", health.Checks["runner"].Status)

	var stats struct {
		Clicks  int `json:"clicks"`
		Blocked int `json:"blocked"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, authed(http.MethodGet, "/api/v1/stats", ""), &stats))
	assert.Equal(t, 5, stats.Clicks)
	assert.Equal(t, 2, stats.Blocked)

	// 经配置 API 修改行为后，会话收到新的启动配置
	var changes handlers.ConfigChangesResponse
	require.Equal(t, http.StatusOK,
		getJSON(t, authed(http.MethodPost, "/api/v1/config/behavior", `{"pollFrequency": 1234}`), &changes))
	assert.Equal(t, 1, changes.Count)
	require.Eventually(t, func() bool {
		return b.CountContaining("wb-1", `"pollFrequency":1234`) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// 指标服务
	metricsResp, err := http.Get("http://" + rs.srv.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	assert.Contains(t, string(body), "e2etest_http_requests_total")
	assert.Contains(t, string(body), "e2etest_page_stats")

	rs.stop(t)
}

func TestServer_StartIdleThenStart(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddWorkbench("wb-1")

	cfg := testServerConfig(b.Port())
	cfg.Behavior.AutoStart = false
	rs := startServer(t, cfg, "idletest")

	req := func(method, path string) *http.Request {
		r, err := http.NewRequest(method, rs.url(path), nil)
		require.NoError(t, err)
		return r
	}

	var status api.StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, req(http.MethodGet, "/api/v1/status"), &status))
	assert.False(t, status.Enabled)
	assert.Equal(t, 0, status.Connections)

	// 引擎停止时拒绝 rescan
	assert.Equal(t, http.StatusConflict, getJSON(t, req(http.MethodPost, "/api/v1/rescan"), nil))

	var started api.StartResponse
	require.Equal(t, http.StatusOK, getJSON(t, req(http.MethodPost, "/api/v1/start"), &started))
	assert.Equal(t, 1, started.Pass.Sessions)

	assert.Equal(t, http.StatusAccepted, getJSON(t, req(http.MethodPost, "/api/v1/rescan"), nil))

	require.Equal(t, http.StatusOK, getJSON(t, req(http.MethodPost, "/api/v1/stop"), nil))
	require.Equal(t, http.StatusOK, getJSON(t, req(http.MethodGet, "/api/v1/status"), &status))
	assert.False(t, status.Enabled)
	assert.Equal(t, 0, status.Connections)

	rs.stop(t)
}

func TestServer_ListenFailure(t *testing.T) {
	cfg := testServerConfig(1)
	s := NewServer(cfg, "", zaptest.NewLogger(t), zap.NewAtomicLevel(), nil,
		withHTTPAddr("256.0.0.1:0"),
		withMetricsAddr("127.0.0.1:0"),
		withMetricsNamespace("failtest"),
	)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start HTTP server")
}
