package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/api"
	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/orchestrator"
	"github.com/autoaccept/cdpdriver/types"
)

// =============================================================================
// ⚙️ 引擎控制 Handler
// =============================================================================

// Engine 是 EngineHandler 依赖的引擎能力，*orchestrator.Orchestrator 实现它
type Engine interface {
	Start(ctx context.Context, cfg inject.BehaviorConfig) orchestrator.PassReport
	Stop(ctx context.Context)
	Enabled() bool
	Behavior() inject.BehaviorConfig
	ConnectionCount() int
	Sessions() []cdp.SessionInfo
	IsAvailable(ctx context.Context) bool
	GetStats(ctx context.Context) orchestrator.Stats
	GetSessionSummary(ctx context.Context) orchestrator.Stats
	GetAwayActions(ctx context.Context) int
	ResetStats(ctx context.Context) orchestrator.ResetCounts
	SetFocusState(ctx context.Context, focused bool)
	HideOverlay(ctx context.Context)
}

// Rescanner 触发后台立即扫描，*orchestrator.Runner 实现它
type Rescanner interface {
	Rescan() bool
	IsRunning() bool
}

// StatsObserver 接收每次聚合得到的统计
type StatsObserver func(stats orchestrator.Stats)

// stopTimeout 限制 Stop 广播的总耗时，与客户端连接无关
const stopTimeout = 10 * time.Second

// EngineHandler 引擎控制处理器
type EngineHandler struct {
	engine    Engine
	rescanner Rescanner
	observer  StatsObserver
	ports     []int
	logger    *zap.Logger
}

// EngineOption 配置 EngineHandler
type EngineOption func(*EngineHandler)

// WithRescanner 启用 /rescan 与状态中的 running 字段
func WithRescanner(r Rescanner) EngineOption {
	return func(h *EngineHandler) { h.rescanner = r }
}

// WithStatsObserver 在每次统计聚合后回调
func WithStatsObserver(fn StatsObserver) EngineOption {
	return func(h *EngineHandler) { h.observer = fn }
}

// WithPorts 设置状态中展示的扫描端口
func WithPorts(ports []int) EngineOption {
	return func(h *EngineHandler) { h.ports = append([]int(nil), ports...) }
}

// NewEngineHandler 创建引擎控制处理器
func NewEngineHandler(engine Engine, logger *zap.Logger, opts ...EngineOption) *EngineHandler {
	h := &EngineHandler{
		engine: engine,
		logger: logger.With(zap.String("handler", "engine")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册所有引擎路由
func (h *EngineHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", h.HandleStatus)
	mux.HandleFunc("/api/v1/available", h.HandleAvailable)
	mux.HandleFunc("/api/v1/sessions", h.HandleSessions)
	mux.HandleFunc("/api/v1/start", h.HandleStart)
	mux.HandleFunc("/api/v1/stop", h.HandleStop)
	mux.HandleFunc("/api/v1/rescan", h.HandleRescan)
	mux.HandleFunc("/api/v1/stats", h.HandleStats)
	mux.HandleFunc("/api/v1/stats/summary", h.HandleSummary)
	mux.HandleFunc("/api/v1/stats/away", h.HandleAway)
	mux.HandleFunc("/api/v1/stats/reset", h.HandleResetStats)
	mux.HandleFunc("/api/v1/focus", h.HandleFocus)
	mux.HandleFunc("/api/v1/overlay/hide", h.HandleHideOverlay)
}

// =============================================================================
// 🎯 状态查询
// =============================================================================

// HandleStatus 处理 GET /api/v1/status
func (h *EngineHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	status := api.StatusResponse{
		Enabled:     h.engine.Enabled(),
		Available:   h.engine.IsAvailable(r.Context()),
		Connections: h.engine.ConnectionCount(),
		Ports:       h.ports,
		Behavior:    h.engine.Behavior().Normalized(),
	}
	if h.rescanner != nil {
		status.Running = h.rescanner.IsRunning()
	}
	WriteSuccess(w, r, status)
}

// HandleAvailable 处理 GET /api/v1/available
func (h *EngineHandler) HandleAvailable(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, r, api.AvailabilityResponse{
		Available: h.engine.IsAvailable(r.Context()),
		Ports:     h.ports,
	})
}

// HandleSessions 处理 GET /api/v1/sessions
func (h *EngineHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	sessions := h.engine.Sessions()
	WriteSuccess(w, r, api.SessionsResponse{Count: len(sessions), Sessions: sessions})
}

// =============================================================================
// 🚦 生命周期
// =============================================================================

// HandleStart 处理 POST /api/v1/start。
// 请求体可省略；提供的字段覆盖当前行为配置，随后同步执行一次扫描。
func (h *EngineHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	var req api.StartRequest
	if HasBody(r) {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	cfg := req.Apply(h.engine.Behavior())
	if cfg.PollFrequency <= 0 {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"pollFrequency must be positive", h.logger)
		return
	}

	report := h.engine.Start(r.Context(), cfg)
	h.logger.Info("engine started via API",
		zap.String("pass_id", report.PassID),
		zap.Int("sessions", report.Sessions))

	WriteSuccess(w, r, api.StartResponse{Behavior: cfg.Normalized(), Pass: report})
}

// HandleStop 处理 POST /api/v1/stop
func (h *EngineHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopTimeout)
	defer cancel()
	h.engine.Stop(ctx)

	h.logger.Info("engine stopped via API")
	WriteSuccess(w, r, map[string]bool{"enabled": h.engine.Enabled()})
}

// HandleRescan 处理 POST /api/v1/rescan
func (h *EngineHandler) HandleRescan(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if h.rescanner == nil || !h.rescanner.IsRunning() {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable,
			"background runner is not running", h.logger)
		return
	}
	if !h.engine.Enabled() {
		WriteErrorMessage(w, r, http.StatusConflict, types.ErrInvalidRequest,
			"engine is stopped", h.logger)
		return
	}
	if !h.rescanner.Rescan() {
		WriteError(w, r, types.NewError(types.ErrRateLimited, "rescan requested too often").
			WithRetryable(true), h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      api.RescanResponse{Accepted: true},
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// =============================================================================
// 📊 统计
// =============================================================================

// HandleStats 处理 GET /api/v1/stats
func (h *EngineHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	stats := h.engine.GetStats(r.Context())
	if h.observer != nil {
		h.observer(stats)
	}
	WriteSuccess(w, r, stats)
}

// HandleSummary 处理 GET /api/v1/stats/summary
func (h *EngineHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, r, h.engine.GetSessionSummary(r.Context()))
}

// HandleAway 处理 GET /api/v1/stats/away
func (h *EngineHandler) HandleAway(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, r, api.AwayActionsResponse{AwayActions: h.engine.GetAwayActions(r.Context())})
}

// HandleResetStats 处理 POST /api/v1/stats/reset
func (h *EngineHandler) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	WriteSuccess(w, r, h.engine.ResetStats(r.Context()))
}

// =============================================================================
// 🪟 页面广播
// =============================================================================

// HandleFocus 处理 POST /api/v1/focus
func (h *EngineHandler) HandleFocus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.FocusRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Focused == nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"focused is required", h.logger)
		return
	}

	h.engine.SetFocusState(r.Context(), *req.Focused)
	WriteSuccess(w, r, map[string]bool{"focused": *req.Focused})
}

// HandleHideOverlay 处理 POST /api/v1/overlay/hide
func (h *EngineHandler) HandleHideOverlay(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	h.engine.HideOverlay(r.Context())
	WriteSuccess(w, r, map[string]int{"sessions": h.engine.ConnectionCount()})
}
