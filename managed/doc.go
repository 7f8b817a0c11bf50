// Copyright (c) crtbridge Authors.
// Licensed under the MIT License.

/*
Package managed 提供桥接层的"托管运行时"模型：调用方一侧的值、引用计数与
执行锁。

# 概述

原生引擎在自己的 goroutine 上回调，托管一侧的任何值都必须在持有执行锁
时才能触碰。Runtime.Ensure 获取执行锁并返回一个标记了持锁状态的 context，
托管可调用对象收到该 context 后再调用桥接 API 时可重入而不会死锁。

# 核心类型

  - Runtime   — 执行锁、unraisable 错误通道
  - Guard     — 一次 Ensure 的作用域，Release 在所有出口调用
  - Object    — 引用计数的托管值，可为 Callable
  - Dict      — 有序键的 string 映射，重复键后写覆盖
  - Capsule   — 携带析构器的不透明句柄，由 GC 或 Drop 触发，仅执行一次

# 主要能力

  - 跨边界错误：回调中的错误无法返回原生调用方，统一写入
    WriteUnraisable（zap 日志 + 可安装的 hook）。
  - 引用计数下溢不会破坏计数，而是作为 unraisable 错误上报。
*/
package managed
