// Copyright (c) crtbridge Authors.
// Licensed under the MIT License.

/*
Package main 提供 crtbridge 演示程序入口。

# 概述

cmd/crtbridge 通过 bridge 包创建 HTTP 服务器：连接接入、请求头、请求体、
请求结束、流完成与服务器销毁都以回调形式进入托管运行时。程序支持 YAML
配置加载、结构化日志（zap）、Prometheus 指标、OpenTelemetry 追踪以及
日志级别热重载。

# 核心类型

  - serverApp     — 持有事件循环组、引导器、TLS 选项，最多运行一个服务器
  - demoHandler   — 服务器、连接与流的托管回调
  - router        — 基于 afero 文件系统的演示路由
  - visitorLimiter — 基于客户端 IP 的令牌桶限流
  - console       — 交互式控制台

# 主要能力

  - 子命令：serve（启动服务）、demo（交互式控制台）、health、version
  - 路由：GET 静态文件与 /form_demo 回显，POST /form_demo 在请求结束时回复，
    PUT 写入接收目录（已存在或越界时拒绝），/health 与 /metrics
  - 优雅关闭：信号监听 → bridge.Release → 等待 on_destroy_complete → 终结句柄
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
