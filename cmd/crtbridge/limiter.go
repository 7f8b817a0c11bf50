package main

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorLimiter 基于客户端 IP 的令牌桶限流
type visitorLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newVisitorLimiter 创建限流器。rps <= 0 时返回 nil，nil 限流器放行所有请求。
// 后台清理过期 visitor，直到 ctx 结束。
func newVisitorLimiter(ctx context.Context, rps float64, burst int) *visitorLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &visitorLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(3 * time.Minute)
			}
		}
	}()
	return l
}

// Allow 报告来自 addr 的请求是否放行
func (l *visitorLimiter) Allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	ip := clientIP(addr)

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = l.now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

func (l *visitorLimiter) sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if l.now().Sub(v.lastSeen) > maxIdle {
			delete(l.visitors, ip)
		}
	}
}

func (l *visitorLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// clientIP 取地址中的主机部分；本地套接字没有 IP，统一归为 "local"
func clientIP(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	if addr.Network() == "unix" {
		return "local"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
