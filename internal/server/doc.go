/*
包 server 提供 HTTP 服务器生命周期管理，用于 cdpdriver 的控制 API
与 Prometheus 指标端点。

# 核心类型

  - Manager：封装 http.Server 与 net.Listener，提供 Start/Run/Shutdown。
  - Config：监听地址、读写与空闲超时、最大请求头大小、优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - Run 阻塞到 ctx 取消或服务异常，适合放入 errgroup。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空。
  - Addr 在启动后返回实际监听地址，支持 ":0" 随机端口。
*/
package server
