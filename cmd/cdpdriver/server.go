package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autoaccept/cdpdriver/api/handlers"
	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/config"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/internal/metrics"
	"github.com/autoaccept/cdpdriver/internal/server"
	"github.com/autoaccept/cdpdriver/internal/telemetry"
	"github.com/autoaccept/cdpdriver/orchestrator"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装引擎、后台扫描、控制 API 与指标服务
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	otel       *telemetry.Providers

	httpAddr         string
	metricsAddr      string
	metricsNamespace string

	// 引擎
	script *inject.Script
	orch   *orchestrator.Orchestrator
	runner *orchestrator.Runner

	// 指标收集器
	collector *metrics.Collector

	// 热更新
	reloader *config.Reloader

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	ready chan struct{}
}

// serverOption 调整 Server 的监听地址等，主要供测试使用
type serverOption func(*Server)

func withHTTPAddr(addr string) serverOption {
	return func(s *Server) { s.httpAddr = addr }
}

func withMetricsAddr(addr string) serverOption {
	return func(s *Server) { s.metricsAddr = addr }
}

func withMetricsNamespace(ns string) serverOption {
	return func(s *Server) { s.metricsNamespace = ns }
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, otel *telemetry.Providers, opts ...serverOption) *Server {
	s := &Server{
		cfg:              cfg,
		configPath:       configPath,
		logger:           logger,
		level:            level,
		otel:             otel,
		httpAddr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		metricsAddr:      fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		metricsNamespace: "cdpdriver",
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready 在所有监听器就绪后关闭
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr 返回控制 API 的实际监听地址
func (s *Server) HTTPAddr() string { return s.httpManager.Addr() }

// MetricsAddr 返回指标服务的实际监听地址
func (s *Server) MetricsAddr() string { return s.metricsManager.Addr() }

// =============================================================================
// 🚀 运行
// =============================================================================

// Run 启动所有组件并阻塞到 ctx 结束或任一组件失败，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. 引擎与指标
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 2. 热更新
	s.initReloader()
	if err := s.reloader.Start(ctx); err != nil {
		return fmt.Errorf("failed to start config reloader: %w", err)
	}
	defer func() {
		if err := s.reloader.Stop(); err != nil {
			s.logger.Error("config reloader shutdown error", zap.Error(err))
		}
	}()

	// 3. HTTP 与 Metrics 服务器
	s.initHTTPServer(ctx)
	s.initMetricsServer()
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.metricsManager.Start(); err != nil {
		s.shutdownServers()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.String("auth", describeAuth(s.cfg.Server)),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
		zap.Bool("auto_start", s.cfg.Behavior.AutoStart),
	)
	close(s.ready)

	// 4. 后台扫描与服务器错误监听
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runner.Run(gctx, behaviorConfig(s.cfg.Behavior))
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.httpManager.Errors():
			return fmt.Errorf("http server: %w", err)
		case err := <-s.metricsManager.Errors():
			return fmt.Errorf("metrics server: %w", err)
		}
	})
	runErr := g.Wait()

	// 5. 关闭
	s.logger.Info("Starting graceful shutdown...")
	s.shutdownServers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := s.otel.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
	return runErr
}

func (s *Server) shutdownServers() {
	var errs []error
	if err := s.httpManager.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := s.metricsManager.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initEngine 加载注入脚本并创建编排器与后台扫描器
func (s *Server) initEngine() error {
	script, err := inject.NewScript(s.cfg.Script.Path, s.logger)
	if err != nil {
		return err
	}
	s.script = script

	s.collector = metrics.NewCollector(s.metricsNamespace, s.logger)
	s.orch = orchestrator.New(engineConfig(s.cfg), script, s.logger, orchestrator.WithRecorder(s.collector))
	s.runner = orchestrator.NewRunner(s.orch, runnerConfig(s.cfg), s.logger)

	s.logger.Info("Engine initialized",
		zap.Ints("ports", s.orch.Prober().Ports()),
		zap.String("script", scriptName(script)),
	)
	return nil
}

// initReloader 创建热更新管理器并注册回调
func (s *Server) initReloader() {
	opts := []config.ReloaderOption{config.WithReloaderLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithReloadConfigPath(s.configPath))
	}
	if s.cfg.Script.Path != "" {
		opts = append(opts, config.WithReloadScriptPath(s.cfg.Script.Path))
	}
	s.reloader = config.NewReloader(s.cfg, opts...)

	s.reloader.OnReload(s.applyReload)
	s.reloader.OnScriptChange(func(path string) {
		if err := s.script.Reload(); err != nil {
			s.logger.Error("script reload failed, keeping previous body",
				zap.String("path", path), zap.Error(err))
			return
		}
		s.logger.Info("script reloaded; sessions pick it up on reconnect", zap.String("path", path))
	})
}

// applyReload 将热更新后的行为与日志级别推送到运行中的组件
func (s *Server) applyReload(oldCfg, newCfg *config.Config) {
	oldBehavior, newBehavior := behaviorConfig(oldCfg.Behavior), behaviorConfig(newCfg.Behavior)
	if !behaviorEqual(oldBehavior, newBehavior) {
		s.logger.Info("pushing reloaded behavior to sessions",
			zap.Int("poll_frequency", newBehavior.PollFrequency),
			zap.Bool("background_mode", newBehavior.BackgroundMode))
		s.runner.SetBehavior(newBehavior)
	}
	if oldCfg.Log.Level != newCfg.Log.Level {
		s.level.SetLevel(parseLevel(newCfg.Log.Level))
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// initHTTPServer 注册路由并构建中间件链
func (s *Server) initHTTPServer(ctx context.Context) {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewFuncCheck("runner", func(context.Context) error {
		if !s.runner.IsRunning() {
			return errors.New("background runner is not running")
		}
		return nil
	}))
	health.RegisterCheck(handlers.NewSoftCheck("cdp_endpoint", func(ctx context.Context) error {
		if !s.orch.IsAvailable(ctx) {
			return fmt.Errorf("no workbench target on ports %v", s.orch.Prober().Ports())
		}
		return nil
	}))
	mux.HandleFunc("/health", health.HandleHealth)
	mux.HandleFunc("/healthz", health.HandleHealthz)
	mux.HandleFunc("/ready", health.HandleReady)
	mux.HandleFunc("/readyz", health.HandleReady)
	mux.HandleFunc("/version", health.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 引擎与配置 API
	// ========================================
	handlers.NewEngineHandler(s.orch, s.logger,
		handlers.WithRescanner(s.runner),
		handlers.WithPorts(s.orch.Prober().Ports()),
		handlers.WithStatsObserver(func(st orchestrator.Stats) {
			s.collector.RecordPageStats(st.Clicks, st.Blocked, st.FileEdits, st.TerminalCommands)
		}),
	).Register(mux)
	handlers.NewConfigHandler(s.reloader, s.logger).Register(mux)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		RequireAuth(skipAuthPaths, s.logger, authenticators(s.cfg.Server, s.logger)...),
	)

	s.httpManager = server.NewManager("api", handler, server.Config{
		Addr:            s.httpAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// initMetricsServer 创建 Prometheus 指标服务器
func (s *Server) initMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            s.metricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// =============================================================================
// 🔄 配置映射
// =============================================================================

func proberConfig(d config.DiscoveryConfig) cdp.ProberConfig {
	return cdp.ProberConfig{
		Host:            d.Host,
		BasePort:        d.BasePort,
		Radius:          d.Radius,
		Timeout:         d.ProbeTimeout,
		WorkbenchMarker: d.WorkbenchMarker,
	}
}

func engineConfig(cfg *config.Config) orchestrator.Config {
	ec := orchestrator.DefaultConfig()
	ec.Prober = proberConfig(cfg.Discovery)
	if cfg.Discovery.ConnectTimeout > 0 {
		ec.Connector.ConnectTimeout = cfg.Discovery.ConnectTimeout
	}
	if cfg.Discovery.CallTimeout > 0 {
		ec.Correlator.CallTimeout = cfg.Discovery.CallTimeout
	}
	if cfg.Discovery.FanOut > 0 {
		ec.FanOut = cfg.Discovery.FanOut
	}
	return ec
}

func runnerConfig(cfg *config.Config) orchestrator.RunnerConfig {
	rc := orchestrator.DefaultRunnerConfig()
	if cfg.Discovery.ScanInterval > 0 {
		rc.ScanInterval = cfg.Discovery.ScanInterval
	}
	if cfg.Discovery.MinRescanInterval > 0 {
		rc.MinRescanInterval = cfg.Discovery.MinRescanInterval
	}
	if cfg.Server.ShutdownTimeout > 0 {
		rc.StopTimeout = cfg.Server.ShutdownTimeout
	}
	rc.StartIdle = !cfg.Behavior.AutoStart
	return rc
}

func behaviorConfig(b config.BehaviorConfig) inject.BehaviorConfig {
	return inject.BehaviorConfig{
		PollFrequency:  b.PollFrequency,
		BackgroundMode: b.BackgroundMode,
		BannedCommands: append([]string(nil), b.BannedCommands...),
	}.Normalized()
}

func behaviorEqual(a, b inject.BehaviorConfig) bool {
	return a.PollFrequency == b.PollFrequency &&
		a.BackgroundMode == b.BackgroundMode &&
		slices.Equal(a.BannedCommands, b.BannedCommands)
}

func scriptName(s *inject.Script) string {
	if s.Path() == "" {
		return "built-in"
	}
	return s.Path()
}
