// Copyright (c) cdpdriver Authors.
// Licensed under the MIT License.

/*
Package types 提供 cdpdriver 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 cdp、inject、orchestrator
以及控制面 HTTP 层提供统一的错误契约。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、Session 标记

# 主要能力

  - 错误码按关注点分组：发现与会话、求值、控制面
  - errors.Is 按错误码匹配，哨兵错误可跨 %w 包装比较
  - GetErrorCode / IsRetryable 沿错误链提取元数据
*/
package types
