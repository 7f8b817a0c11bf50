package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/internal/pool"
)

// Header is a single header line. Repeated names appear as repeated entries.
type Header struct {
	Name  string
	Value string
}

// RequestInfo is delivered once the header block is complete.
type RequestInfo struct {
	Method  string
	Path    string
	HasBody bool
}

// Response is sent back on a stream. Body may be nil.
type Response struct {
	Status  int
	Headers []Header
	Body    io.Reader
}

// StreamOptions holds the per-stream notifications. A non-nil error from any
// of the request notifications aborts the stream with ErrCodeCallbackFailure.
type StreamOptions struct {
	OnRequestHeaders         func(s *Stream, headers []Header, userData any) error
	OnRequestHeaderBlockDone func(s *Stream, info RequestInfo, userData any) error
	// OnIncomingBody receives a pooled buffer that is only valid for the
	// duration of the call.
	OnIncomingBody func(s *Stream, data []byte, userData any) error
	OnRequestDone  func(s *Stream, userData any) error
	// OnComplete fires exactly once for a bound stream, on success and on
	// every failure path.
	OnComplete func(s *Stream, code ErrorCode, userData any)
	UserData   any
}

// Stream is one request/response exchange on a connection.
type Stream struct {
	id   string
	conn *Connection
	opts StreamOptions

	bound     atomic.Bool
	responded atomic.Bool
	completed atomic.Bool
	released  atomic.Bool
	respCh    chan *Response

	method    string
	path      string
	bodyBytes int64
	logger    *zap.Logger
}

// NewRequestStream creates the stream that will carry the next request on
// conn. Call it from the connection's OnIncomingRequest notification and
// return the result.
func NewRequestStream(conn *Connection, opts StreamOptions) (*Stream, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidOptions)
	}
	if !conn.IsOpen() {
		return nil, ErrConnectionClosed
	}
	id := uuid.NewString()
	return &Stream{
		id:     id,
		conn:   conn,
		opts:   opts,
		respCh: make(chan *Response, 1),
		logger: conn.logger.With(zap.String("stream_id", id)),
	}, nil
}

// ID returns a unique stream id.
func (s *Stream) ID() string {
	return s.id
}

// Connection returns the connection the stream belongs to.
func (s *Stream) Connection() *Connection {
	return s.conn
}

// Method returns the request method once the header block is done.
func (s *Stream) Method() string {
	return s.method
}

// Path returns the request target once the header block is done.
func (s *Stream) Path() string {
	return s.path
}

// Completed reports whether OnComplete has fired.
func (s *Stream) Completed() bool {
	return s.completed.Load()
}

// SendResponse queues the response. It is written after the request body has
// been consumed.
func (s *Stream) SendResponse(resp *Response) error {
	if resp == nil || resp.Status < 200 || resp.Status > 999 {
		return ErrInvalidStatus
	}
	if s.completed.Load() {
		return ErrStreamCompleted
	}
	if !s.responded.CompareAndSwap(false, true) {
		return ErrResponseAlreadySent
	}
	s.respCh <- resp
	return nil
}

// Release drops the caller's hold on the stream. A stream in flight still
// runs to completion.
func (s *Stream) Release() {
	if s.released.Swap(true) {
		return
	}
	s.logger.Debug("stream released", zap.Bool("completed", s.completed.Load()))
}

func (s *Stream) bind(conn *Connection) bool {
	return s.conn == conn && s.bound.CompareAndSwap(false, true)
}

// run drives the exchange and always delivers OnComplete. An inbound
// traceparent header makes the stream span a child of the caller's span.
func (s *Stream) run(w http.ResponseWriter, r *http.Request, srv *Server) ErrorCode {
	parent := srv.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := srv.tracer.Start(parent, "crtbridge.stream",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("crtbridge.connection_id", s.conn.id),
			attribute.String("crtbridge.stream_id", s.id),
		))
	defer span.End()

	start := time.Now()
	code := s.exchange(ctx, w, r, srv.forceCh)
	s.complete(code)
	took := time.Since(start)
	srv.inst.streamCompleted(context.WithoutCancel(ctx), r.Method, code, took, s.bodyBytes)

	span.SetAttributes(attribute.String("crtbridge.error_code", code.String()))
	if code != ErrCodeSuccess {
		span.SetStatus(codes.Error, code.String())
	}
	s.logger.Debug("stream completed",
		zap.String("method", s.method),
		zap.String("path", s.path),
		zap.String("code", code.String()),
		zap.Duration("took", took))
	return code
}

func (s *Stream) exchange(ctx context.Context, w http.ResponseWriter, r *http.Request, force <-chan struct{}) ErrorCode {
	if s.opts.OnRequestHeaders != nil {
		if err := s.call(func() error { return s.opts.OnRequestHeaders(s, requestHeaders(r), s.opts.UserData) }); err != nil {
			return ErrCodeCallbackFailure
		}
	}

	s.method = r.Method
	s.path = r.URL.RequestURI()
	hasBody := r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
	if s.opts.OnRequestHeaderBlockDone != nil {
		info := RequestInfo{Method: s.method, Path: s.path, HasBody: hasBody}
		if err := s.call(func() error { return s.opts.OnRequestHeaderBlockDone(s, info, s.opts.UserData) }); err != nil {
			return ErrCodeCallbackFailure
		}
	}

	if hasBody {
		if code := s.readBody(r.Body); code != ErrCodeSuccess {
			return code
		}
	}

	if s.opts.OnRequestDone != nil {
		if err := s.call(func() error { return s.opts.OnRequestDone(s, s.opts.UserData) }); err != nil {
			return ErrCodeCallbackFailure
		}
	}

	var resp *Response
	select {
	case resp = <-s.respCh:
	case <-ctx.Done():
		return ErrCodeConnectionClosed
	case <-force:
		return ErrCodeServerShutdown
	}
	return s.writeResponse(w, resp)
}

func (s *Stream) readBody(body io.Reader) ErrorCode {
	chunk := pool.ChunkPool.Get()
	defer pool.ChunkPool.Put(chunk)

	for {
		n, err := body.Read(chunk.B)
		s.bodyBytes += int64(n)
		if n > 0 && s.opts.OnIncomingBody != nil {
			data := chunk.B[:n]
			if cerr := s.call(func() error { return s.opts.OnIncomingBody(s, data, s.opts.UserData) }); cerr != nil {
				return ErrCodeCallbackFailure
			}
		}
		if errors.Is(err, io.EOF) {
			return ErrCodeSuccess
		}
		if err != nil {
			s.logger.Debug("request body read failed", zap.Error(err))
			return ErrCodeConnectionClosed
		}
	}
}

func (s *Stream) writeResponse(w http.ResponseWriter, resp *Response) ErrorCode {
	h := w.Header()
	for _, hdr := range resp.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	w.WriteHeader(resp.Status)
	if resp.Body == nil {
		return ErrCodeSuccess
	}

	chunk := pool.ChunkPool.Get()
	defer pool.ChunkPool.Put(chunk)
	if _, err := io.CopyBuffer(w, resp.Body, chunk.B); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
		return ErrCodeResponseWrite
	}
	return ErrCodeSuccess
}

func (s *Stream) complete(code ErrorCode) {
	if !s.completed.CompareAndSwap(false, true) {
		return
	}
	if s.opts.OnComplete == nil {
		return
	}
	s.conn.server.notify("on_stream_complete", func() {
		s.opts.OnComplete(s, code, s.opts.UserData)
	})
}

// call runs a request notification, turning a panic into an error.
func (s *Stream) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream notification panicked: %v", r)
		}
	}()
	if err = fn(); err != nil {
		s.logger.Debug("stream notification failed", zap.Error(err))
	}
	return err
}

// requestHeaders flattens the request headers in name order. Host is carried
// outside the header map by net/http and is put back here.
func requestHeaders(r *http.Request) []Header {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Header, 0, len(r.Header)+1)
	if r.Host != "" {
		out = append(out, Header{Name: "Host", Value: r.Host})
	}
	for _, name := range names {
		for _, v := range r.Header[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}
