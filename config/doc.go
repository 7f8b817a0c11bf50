// Copyright (c) crtbridge Authors.
// Licensed under the MIT License.

// Package config 提供 crtbridge 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → CRTBRIDGE_ 前缀环境变量 的顺序叠加，
// 覆盖监听地址、套接字选项、TLS、事件循环组、演示应用、日志、遥测与指标。
// FileWatcher 以轮询方式监听配置文件，LevelReloader 在文件变更时
// 热更新日志级别，其余配置项需重启生效。
package config
