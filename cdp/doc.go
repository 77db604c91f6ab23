// Package cdp 实现 Chrome DevTools Protocol 的多目标发现、会话管理与调用关联。
//
// Prober 通过 /json/list 在候选端口范围内发现 workbench 目标；Connector
// 建立 WebSocket 会话并登记到 Registry，连接关闭时自动注销；Correlator
// 以进程级单调递增 id 关联 Runtime.evaluate 的请求与响应，支持超时与
// 会话关闭时的快速失败。EvaluateJSON 提供永不失败的 JSON 求值封装。
package cdp
