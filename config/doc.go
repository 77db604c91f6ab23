// Package config 提供 cdpdriver 的配置管理功能。
//
// 配置按 默认值 -> YAML 文件 -> CDPDRIVER_ 环境变量 的顺序叠加，
// 加载后由 Validate 统一校验。Reloader 基于 FileWatcher 监听配置文件
// 与注入脚本，变更经过校验后以字段级 ConfigChange 通知订阅者。
package config
