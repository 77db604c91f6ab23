package api

import (
	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/orchestrator"
)

// =============================================================================
// 控制请求类型
// =============================================================================

// StartRequest 启用引擎的请求体。
// 省略的字段沿用当前行为配置；请求体可以整体省略。
type StartRequest struct {
	// 页面脚本轮询间隔（毫秒）
	PollFrequency *int `json:"pollFrequency,omitempty" example:"750"`
	// 后台模式：窗口失焦时继续自动接受并显示遮罩
	BackgroundMode *bool `json:"backgroundMode,omitempty" example:"false"`
	// 禁止自动执行的命令子串
	BannedCommands *[]string `json:"bannedCommands,omitempty"`
}

// Apply 将请求覆盖到 base 上
func (r StartRequest) Apply(base inject.BehaviorConfig) inject.BehaviorConfig {
	if r.PollFrequency != nil {
		base.PollFrequency = *r.PollFrequency
	}
	if r.BackgroundMode != nil {
		base.BackgroundMode = *r.BackgroundMode
	}
	if r.BannedCommands != nil {
		base.BannedCommands = append([]string(nil), (*r.BannedCommands)...)
	}
	return base
}

// FocusRequest 广播窗口焦点状态的请求体
type FocusRequest struct {
	Focused *bool `json:"focused" binding:"required"`
}

// =============================================================================
// 响应类型
// =============================================================================

// StatusResponse 引擎状态
type StatusResponse struct {
	Enabled     bool                  `json:"enabled"`
	Running     bool                  `json:"running"`
	Available   bool                  `json:"available"`
	Connections int                   `json:"connections"`
	Ports       []int                 `json:"ports"`
	Behavior    inject.BehaviorConfig `json:"behavior"`
}

// SessionsResponse 会话列表
type SessionsResponse struct {
	Count    int               `json:"count"`
	Sessions []cdp.SessionInfo `json:"sessions"`
}

// StartResponse 启用引擎后的扫描报告
type StartResponse struct {
	Behavior inject.BehaviorConfig   `json:"behavior"`
	Pass     orchestrator.PassReport `json:"pass"`
}

// AwayActionsResponse 离开期间的自动操作数
type AwayActionsResponse struct {
	AwayActions int `json:"awayActions"`
}

// RescanResponse 重新扫描请求的结果
type RescanResponse struct {
	Accepted bool `json:"accepted"`
}

// AvailabilityResponse 调试端点可用性
type AvailabilityResponse struct {
	Available bool  `json:"available"`
	Ports     []int `json:"ports"`
}
