// Package orchestrator 驱动端口范围内的目标发现、连接与注入，并对外提供
// 跨会话的聚合操作。
//
// Orchestrator 持有会话注册表，Start 执行一次发现轮次（并发调用合并为一次），
// Stop 通知脚本停止并关闭所有连接。GetStats、ResetStats 等聚合操作并发扇出到
// 所有会话，单个会话失败只贡献零值。Runner 在后台按周期与按需（限流）重复
// 发现轮次，使引擎在目标增减时保持收敛。
package orchestrator
