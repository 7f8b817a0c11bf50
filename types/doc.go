// Copyright (c) crtbridge Authors.
// Licensed under the MIT License.

/*
Package types 提供 crtbridge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 bridge、managed 与
cmd/crtbridge 提供统一的错误契约和 Context 键。

# 核心类型

  - Error / ErrorCode — 结构化错误，errors.Is 按 Code 比较
  - Code              — 仅携带错误码的比较目标，配合 errors.Is 使用

# 主要能力

  - 校验错误：INVALID_ARGUMENT、INVALID_TYPE、CAPSULE_INVALID
  - 原生层错误：NATIVE_CREATE、NATIVE_STATE、DOUBLE_FREE
  - 回调错误：CALLBACK_FAILED、CALLBACK_PANIC，只写入 unraisable 通道
  - Context 传播：WithConnectionID / WithStreamID，回调收到的 ctx 携带二者
*/
package types
