package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/bridge"
	"github.com/BaSui01/crtbridge/internal/metrics"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// =============================================================================
// 🔌 演示回调
// =============================================================================

// demoHandler 实现服务器、连接与流的托管回调
type demoHandler struct {
	rt      *managed.Runtime
	router  *router
	limiter *visitorLimiter
	metrics *metrics.Collector
	logger  *zap.Logger

	onIncomingRequest *managed.Object
	onShutdown        *managed.Object

	// created 在测试中观察交给 bridge 的临时对象
	created func(*managed.Object)

	connections atomic.Int64
}

func newDemoHandler(rt *managed.Runtime, r *router, limiter *visitorLimiter, collector *metrics.Collector, logger *zap.Logger) *demoHandler {
	h := &demoHandler{
		rt:      rt,
		router:  r,
		limiter: limiter,
		metrics: collector,
		logger:  logger.With(zap.String("component", "demo")),
	}
	h.onIncomingRequest = rt.NewNamedObject("demo.on_incoming_request", managed.Func(h.incomingRequest))
	h.onShutdown = rt.NewNamedObject("demo.on_shutdown", managed.Func(h.connectionShutdown))
	return h
}

// handoff 创建一个交给 bridge 的对象。调用方在交出后 XDecRef，
// 之后只剩 bridge 持有的引用
func (h *demoHandler) handoff(name string, v any) *managed.Object {
	o := h.rt.NewNamedObject(name, v)
	if h.created != nil {
		h.created(o)
	}
	return o
}

// connectionCallback 返回传给 bridge.Create 的 on_incoming_connection
func (h *demoHandler) connectionCallback() *managed.Object {
	return h.handoff("demo.on_incoming_connection", managed.Func(h.incomingConnection))
}

// Connections 返回已配置且尚未关闭的连接数
func (h *demoHandler) Connections() int64 {
	return h.connections.Load()
}

func (h *demoHandler) incomingConnection(ctx context.Context, args ...any) (any, error) {
	conn, _ := args[0].(*bridge.Connection)
	code, _ := args[1].(bridge.ErrorCode)
	if code != bridge.ErrCodeSuccess {
		h.logger.Warn("incoming connection failed", zap.String("code", code.String()))
		return nil, nil
	}
	if err := bridge.NewServerConnection(ctx, conn, h.onIncomingRequest, h.onShutdown); err != nil {
		return nil, err
	}
	h.connections.Add(1)
	h.logger.Debug("connection received",
		zap.String("connection_id", conn.ID()),
		zap.String("remote", clientIP(conn.RemoteAddr())))
	return nil, nil
}

func (h *demoHandler) connectionShutdown(_ context.Context, args ...any) (any, error) {
	conn, _ := args[0].(*bridge.Connection)
	code, _ := args[1].(bridge.ErrorCode)
	h.connections.Add(-1)
	h.logger.Debug("connection shutdown",
		zap.String("connection_id", conn.ID()),
		zap.String("code", code.String()))
	return nil, nil
}

func (h *demoHandler) incomingRequest(ctx context.Context, args ...any) (any, error) {
	conn, _ := args[0].(*bridge.Connection)
	st := &demoStream{handler: h, remote: conn.RemoteAddr()}
	callbacks := []*managed.Object{
		h.handoff("demo.on_request_headers", managed.Func(st.requestHeaders)),
		h.handoff("demo.on_incoming_body", managed.Func(st.incomingBody)),
		h.handoff("demo.on_request_done", managed.Func(st.requestDone)),
		h.handoff("demo.on_stream_completed", managed.Func(st.streamCompleted)),
	}
	stream, err := bridge.NewRequestHandler(ctx, conn, callbacks[0], callbacks[1], callbacks[2], callbacks[3])
	// 成功时 stream 已持有自己的引用，失败时没有引用被拿走
	for _, cb := range callbacks {
		managed.XDecRef(cb)
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// toBridge 把路由结果转成带长度的响应
func (h *demoHandler) toBridge(resp *demoResponse, withBody bool) *bridge.Response {
	headers := managed.NewDict()
	headers.SetItem("Content-Type", resp.ContentType)
	headers.SetItem("Content-Length", strconv.Itoa(len(resp.Body)))
	out := &bridge.Response{Status: resp.Status, Headers: headers}
	if withBody && len(resp.Body) > 0 {
		out.Body = h.handoff("demo.response_body", bytes.NewReader(resp.Body))
	}
	return out
}

// =============================================================================
// 🌊 单个流
// =============================================================================

var tooManyRequests = &demoResponse{
	Status:      http.StatusTooManyRequests,
	ContentType: "application/json",
	Body:        []byte(`{"error":"rate_limit_exceeded","message":"too many requests"}`),
}

// demoStream 保存一次请求的回调状态
type demoStream struct {
	handler *demoHandler
	remote  net.Addr
	ex      *exchange
	status  int
}

func (s *demoStream) requestHeaders(_ context.Context, args ...any) (any, error) {
	method, _ := args[2].(string)
	target, _ := args[3].(string)
	s.ex = s.handler.router.begin(method, target)
	if !s.handler.limiter.Allow(s.remote) {
		s.ex.reject(tooManyRequests)
	}
	return nil, nil
}

func (s *demoStream) incomingBody(_ context.Context, args ...any) (any, error) {
	chunk, _ := args[1].([]byte)
	if s.ex == nil {
		return nil, nil
	}
	return nil, s.ex.write(chunk)
}

func (s *demoStream) requestDone(ctx context.Context, args ...any) (any, error) {
	st, _ := args[0].(*bridge.Stream)
	if s.ex == nil {
		return nil, nil
	}
	resp := s.ex.finish()
	s.status = resp.Status
	out := s.handler.toBridge(resp, s.ex.method != http.MethodHead)
	err := st.SendResponse(ctx, out)
	managed.XDecRef(out.Body)
	return nil, err
}

func (s *demoStream) streamCompleted(ctx context.Context, args ...any) (any, error) {
	code, _ := args[1].(bridge.ErrorCode)
	if s.ex == nil {
		return nil, nil
	}
	if code != bridge.ErrCodeSuccess {
		s.ex.abort()
		streamID, _ := types.StreamID(ctx)
		s.handler.logger.Debug("stream failed",
			zap.String("stream_id", streamID),
			zap.String("code", code.String()))
	}
	s.handler.metrics.RecordHTTPRequest(s.ex.method, s.ex.normalizedPath(), s.status, time.Since(s.ex.start))
	return nil, nil
}
