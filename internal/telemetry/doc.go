// Package telemetry 构建 crtbridge 的 OpenTelemetry TracerProvider 与
// MeterProvider，引擎用它们记录逐流 span 以及流耗时、请求体字节、活跃连接等指标。
// 启用时安装全局 W3C trace-context 传播器；禁用时全部为 noop。
package telemetry
