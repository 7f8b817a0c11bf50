// 版权所有 2024 crtbridge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的桥接层指标采集能力，覆盖
服务端生命周期、连接、请求流、回调失败与演示应用 HTTP 五个维度。

# 概述

Collector 统一注册和记录 Prometheus 指标。默认注册到进程级
DefaultRegisterer，也可通过 WithRegistry 注册到独立 Registry，
便于测试隔离与 /metrics 端点导出。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器。nil *Collector 的 Record 方法均为空操作，
    桥接层在未配置指标时无需判空。

# 主要能力

  - 服务端指标：创建结果、释放路径（destroy_complete / finalizer）、存活数。
  - 连接指标：接入、拒绝、关闭事件与活跃连接数。
  - 流指标：按 method/outcome 计数、耗时 Histogram、body 字节数。
  - 回调指标：回调失败计数、不可抛出错误计数、句柄表存活数。
  - HTTP 指标：演示应用请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
*/
package metrics
