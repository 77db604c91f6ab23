/*
Package handlers 提供 cdpdriver 控制 API 的请求处理器实现。

# 概述

handlers 包实现了控制 API 的全部 HTTP 端点：引擎启停与重新扫描、
会话与统计查询、页面广播、配置查看与热更新，以及健康检查。
所有 Handler 均遵循标准 net/http 接口，由 cmd/cdpdriver 注册到 ServeMux。

# 核心类型

  - EngineHandler   : 引擎控制：start/stop/rescan、sessions、stats、focus、overlay
  - ConfigHandler   : 配置查看（脱敏）、变更历史、文件重载与行为配置更新
  - HealthHandler   : 服务健康检查（/health, /healthz, /ready）
  - Engine          : EngineHandler 依赖的引擎接口，由 orchestrator.Orchestrator 实现
  - Response        : 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo       : 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter  : 包装 http.ResponseWriter 以捕获状态码与字节数

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType、RequireMethod
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 可扩展健康检查：关键检查失败返回 503，非关键检查只降级为 degraded
*/
package handlers
