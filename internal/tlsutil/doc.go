// Package tlsutil 提供集中式 TLS 配置，
// 为引擎监听器、健康检查客户端提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 以及测试与演示使用的自签名证书生成。
package tlsutil
