/*
Package main 提供 cdpdriver 程序入口。

# 概述

cmd/cdpdriver 发现本机 Chromium 调试端口上的工作台窗口，注入行为脚本，
并通过控制 API 暴露启停、统计与广播操作。程序支持 YAML 配置、
结构化日志（zap）、Prometheus 指标、OpenTelemetry 追踪以及配置与脚本热重载。

# 核心类型

  - Server       : 组装编排器、后台扫描、控制 API 与指标服务器，负责优雅关闭
  - Middleware   : HTTP 中间件函数签名 func(http.Handler) http.Handler
  - Authenticator: 请求凭据检查，API Key 与 JWT 任一通过即可

# 主要能力

  - 子命令：serve、probe（列出目标）、verify（注入并扫描按钮）、health、version
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、RequestLogger、
    MetricsMiddleware、RateLimiter（基于 IP）、RequireAuth（X-API-Key / Bearer JWT）
  - 热重载：行为配置变更推送到所有会话，日志级别即时生效，脚本变更在重连后生效
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：ctx 取消 → 停止后台扫描与会话 → 关闭 HTTP 与 Metrics → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
