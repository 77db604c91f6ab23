/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖控制 API、
端口发现、CDP 连接、Runtime.evaluate、脚本注入与扫描周期。

# 概述

Collector 通过 promauto 注册到默认 Registry，所有指标按 namespace
隔离。Collector 实现 orchestrator.Recorder，由编排器在发现、连接、
调用与注入的各个环节回调。

# 主要指标

  - HTTP：请求总数、耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - discovery：按端口的探测结果计数、目标数 Gauge、被过滤目标计数。
  - cdp：连接尝试计数与耗时、活跃会话 Gauge、evaluate 按结果计数与耗时。
  - inject：按 delivered/reconfigured/failed 计数。
  - 扫描周期计数与耗时，最近一次聚合的页面计数 Gauge。
*/
package metrics
