package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/api"
	"github.com/autoaccept/cdpdriver/config"
	"github.com/autoaccept/cdpdriver/types"
)

// =============================================================================
// 🔧 配置管理 Handler
// =============================================================================

// ConfigHandler 配置查看与热更新处理器
type ConfigHandler struct {
	reloader *config.Reloader
	logger   *zap.Logger
}

// ConfigChangesResponse 配置变更列表
type ConfigChangesResponse struct {
	Count   int                   `json:"count"`
	Changes []config.ConfigChange `json:"changes"`
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(reloader *config.Reloader, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		reloader: reloader,
		logger:   logger.With(zap.String("handler", "config")),
	}
}

// Register 注册配置路由
func (h *ConfigHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/config", h.HandleConfig)
	mux.HandleFunc("/api/v1/config/changes", h.HandleChanges)
	mux.HandleFunc("/api/v1/config/reload", h.HandleReload)
	mux.HandleFunc("/api/v1/config/behavior", h.HandleBehavior)
}

// HandleConfig 处理 GET /api/v1/config，返回脱敏后的当前配置
func (h *ConfigHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	view, err := h.reloader.Config().Sanitized()
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to render config").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, r, view)
}

// HandleChanges 处理 GET /api/v1/config/changes
func (h *ConfigHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	changes := h.reloader.Changes()
	WriteSuccess(w, r, ConfigChangesResponse{Count: len(changes), Changes: changes})
}

// HandleReload 处理 POST /api/v1/config/reload，从配置文件重新加载
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if h.reloader.ConfigPath() == "" {
		WriteErrorMessage(w, r, http.StatusConflict, types.ErrInvalidRequest,
			"no config file configured", h.logger)
		return
	}

	changes, err := h.reloader.ReloadFromFile()
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "config reload rejected").
			WithCause(err).
			WithHTTPStatus(http.StatusUnprocessableEntity), h.logger)
		return
	}
	WriteSuccess(w, r, ConfigChangesResponse{Count: len(changes), Changes: changes})
}

// HandleBehavior 处理 POST /api/v1/config/behavior。
// 覆盖行为配置并经由 Reloader 通知订阅者，不改变引擎启停状态。
func (h *ConfigHandler) HandleBehavior(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.StartRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	next := h.reloader.Config().Clone()
	if req.PollFrequency != nil {
		next.Behavior.PollFrequency = *req.PollFrequency
	}
	if req.BackgroundMode != nil {
		next.Behavior.BackgroundMode = *req.BackgroundMode
	}
	if req.BannedCommands != nil {
		next.Behavior.BannedCommands = append([]string(nil), (*req.BannedCommands)...)
	}

	changes, err := h.reloader.Apply(next, "api")
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()).
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	WriteSuccess(w, r, ConfigChangesResponse{Count: len(changes), Changes: changes})
}
