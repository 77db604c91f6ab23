// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 cdpdriver 的扫描周期与 Runtime.evaluate 调用提供链路追踪导出。
// 当遥测功能禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
