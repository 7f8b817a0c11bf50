// Package engine 是 crtbridge 的原生 HTTP/1.1 服务端引擎。
//
// 引擎以通知驱动：每个接受的连接在事件循环 goroutine 上触发一次
// OnIncomingConnection（不占用 accept 循环），且一定早于该连接的第一个
// 请求和关闭通知，调用方在其中 Configure 连接；每个请求通过
// OnIncomingRequest 取得 Stream，随后按顺序投递请求头、头块结束、
// 请求体分片与请求结束通知，最后恰好一次投递 OnComplete。
//
// Server.Release 异步关闭：先优雅关闭，超时后强制关闭剩余连接，
// 所有连接与流的通知送达之后才触发 OnDestroyComplete，且只触发一次。
package engine
