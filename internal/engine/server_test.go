package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crtbridge/internal/pool"
	"github.com/BaSui01/crtbridge/internal/tlsutil"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	srv       *Server
	destroyed chan struct{}
	destroys  atomic.Int32
}

func newBootstrap(t *testing.T) *ServerBootstrap {
	t.Helper()
	group := NewEventLoopGroup(pool.DefaultGoroutinePoolConfig(), zaptest.NewLogger(t))
	t.Cleanup(group.Close)
	b, err := NewServerBootstrap(group)
	require.NoError(t, err)
	return b
}

func startServer(t *testing.T, mutate func(*ServerOptions)) *harness {
	t.Helper()
	h := &harness{destroyed: make(chan struct{})}
	opts := ServerOptions{
		Bootstrap:            newBootstrap(t),
		Endpoint:             Endpoint{Address: "127.0.0.1", Port: 0},
		SocketOptions:        DefaultSocketOptions(),
		ShutdownTimeout:      2 * time.Second,
		OnIncomingConnection: func(*Server, *Connection, ErrorCode, any) {},
		Logger:               zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	userOnDestroy := opts.OnDestroyComplete
	opts.OnDestroyComplete = func(ud any) {
		if userOnDestroy != nil {
			userOnDestroy(ud)
		}
		if h.destroys.Add(1) == 1 {
			close(h.destroyed)
		}
	}

	srv, err := NewServer(opts)
	require.NoError(t, err)
	h.srv = srv
	t.Cleanup(func() {
		srv.Release()
		h.waitDestroyed(t)
	})
	return h
}

func (h *harness) waitDestroyed(t *testing.T) {
	t.Helper()
	select {
	case <-h.destroyed:
	case <-time.After(10 * time.Second):
		t.Fatal("destroy complete never fired")
	}
}

func (h *harness) url(path string) string {
	return "http://" + h.srv.Addr().String() + path
}

func oneShotClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

// echoStreams configures each connection with streams that reply with status
// once the request is done.
func echoStreams(rec *recorder, status int, body string, completes chan<- ErrorCode) func(*Server, *Connection, ErrorCode, any) {
	return func(_ *Server, c *Connection, _ ErrorCode, _ any) {
		rec.add("connection")
		_ = c.Configure(ConnectionOptions{
			OnIncomingRequest: func(c *Connection, _ any) *Stream {
				st, err := NewRequestStream(c, StreamOptions{
					OnRequestHeaderBlockDone: func(_ *Stream, info RequestInfo, _ any) error {
						rec.add("header_done " + info.Method + " " + info.Path)
						return nil
					},
					OnIncomingBody: func(*Stream, []byte, any) error {
						rec.add("body")
						return nil
					},
					OnRequestDone: func(st *Stream, _ any) error {
						rec.add("request_done")
						return st.SendResponse(&Response{Status: status, Body: strings.NewReader(body)})
					},
					OnComplete: func(_ *Stream, code ErrorCode, _ any) {
						rec.add("complete")
						completes <- code
					},
				})
				if err != nil {
					return nil
				}
				return st
			},
			OnShutdown: func(*Connection, ErrorCode, any) { rec.add("shutdown") },
		})
	}
}

func waitCode(t *testing.T, ch <-chan ErrorCode) ErrorCode {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("stream never completed")
		return -1
	}
}

// =============================================================================
// 🧪 选项校验
// =============================================================================

func TestNewServer_ValidatesOptions(t *testing.T) {
	b := newBootstrap(t)
	onConn := func(*Server, *Connection, ErrorCode, any) {}

	tests := []struct {
		name    string
		opts    ServerOptions
		wantErr error
	}{
		{"no bootstrap", ServerOptions{Endpoint: Endpoint{Address: "127.0.0.1"}, SocketOptions: DefaultSocketOptions(), OnIncomingConnection: onConn}, ErrInvalidOptions},
		{"no socket options", ServerOptions{Bootstrap: b, Endpoint: Endpoint{Address: "127.0.0.1"}, OnIncomingConnection: onConn}, ErrInvalidOptions},
		{"empty address", ServerOptions{Bootstrap: b, SocketOptions: DefaultSocketOptions(), OnIncomingConnection: onConn}, ErrInvalidAddress},
		{"address too long", ServerOptions{Bootstrap: b, Endpoint: Endpoint{Address: strings.Repeat("a", MaxAddressLen)}, SocketOptions: DefaultSocketOptions(), OnIncomingConnection: onConn}, ErrInvalidAddress},
		{"no connection callback", ServerOptions{Bootstrap: b, Endpoint: Endpoint{Address: "127.0.0.1"}, SocketOptions: DefaultSocketOptions()}, ErrInvalidOptions},
		{"dgram socket", ServerOptions{Bootstrap: b, Endpoint: Endpoint{Address: "127.0.0.1"}, SocketOptions: &SocketOptions{Type: SocketTypeDGram}, OnIncomingConnection: onConn}, ErrUnsupportedSocket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewServer(tt.opts)
			assert.Nil(t, srv)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewServer_BindFailure(t *testing.T) {
	h := startServer(t, nil)
	_, port, err := net.SplitHostPort(h.srv.Addr().String())
	require.NoError(t, err)

	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	_, err = NewServer(ServerOptions{
		Bootstrap:            newBootstrap(t),
		Endpoint:             Endpoint{Address: "127.0.0.1", Port: uint16(p)},
		SocketOptions:        DefaultSocketOptions(),
		OnIncomingConnection: func(*Server, *Connection, ErrorCode, any) {},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

// =============================================================================
// 🧪 请求流
// =============================================================================

func TestServer_RequestFlowOrdering(t *testing.T) {
	rec := &recorder{}
	completes := make(chan ErrorCode, 1)
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := startServer(t, func(o *ServerOptions) {
		o.OnIncomingConnection = echoStreams(rec, http.StatusCreated, "pong", completes)
		o.OnDestroyComplete = func(any) { rec.add("destroy") }
		o.TracerProvider = tp
	})

	resp, err := oneShotClient().Post(h.url("/echo?x=1"), "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, ErrCodeSuccess, waitCode(t, completes))

	h.srv.Release()
	h.srv.Release()
	h.waitDestroyed(t)

	assert.Equal(t, []string{
		"connection",
		"header_done POST /echo?x=1",
		"body",
		"request_done",
		"complete",
		"shutdown",
		"destroy",
	}, rec.snapshot())
	assert.Equal(t, int32(1), h.destroys.Load())
	assert.True(t, h.srv.Destroyed())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "crtbridge.stream", spans[0].Name)
}

func TestServer_HeadersDelivered(t *testing.T) {
	got := make(chan []Header, 1)
	h := startServer(t, func(o *ServerOptions) {
		o.OnIncomingConnection = func(_ *Server, c *Connection, _ ErrorCode, _ any) {
			_ = c.Configure(ConnectionOptions{OnIncomingRequest: func(c *Connection, _ any) *Stream {
				st, _ := NewRequestStream(c, StreamOptions{
					OnRequestHeaders: func(_ *Stream, hs []Header, _ any) error {
						got <- hs
						return nil
					},
					OnRequestDone: func(st *Stream, _ any) error {
						return st.SendResponse(&Response{Status: http.StatusNoContent})
					},
				})
				return st
			}})
		}
	})

	req, err := http.NewRequest(http.MethodGet, h.url("/"), nil)
	require.NoError(t, err)
	req.Header.Add("X-Dup", "a")
	req.Header.Add("X-Dup", "b")
	resp, err := oneShotClient().Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	hs := <-got
	assert.Equal(t, Header{Name: "Host", Value: h.srv.Addr().String()}, hs[0])
	var dups []string
	for _, hdr := range hs {
		if hdr.Name == "X-Dup" {
			dups = append(dups, hdr.Value)
		}
	}
	assert.Equal(t, []string{"a", "b"}, dups)
}

func TestServer_UnconfiguredConnectionIsClosed(t *testing.T) {
	h := startServer(t, nil)

	_, err := oneShotClient().Get(h.url("/"))
	require.Error(t, err)
	assert.Equal(t, int64(1), h.srv.Stats().Accepted)
	assert.Zero(t, h.srv.Stats().Streams)
}

func TestServer_SlowConnectionNotificationKeepsAccepting(t *testing.T) {
	gate := make(chan struct{})
	var openGate sync.Once
	release := func() { openGate.Do(func() { close(gate) }) }
	var first atomic.Bool
	completes := make(chan ErrorCode, 2)
	configure := echoStreams(&recorder{}, http.StatusOK, "ok", completes)

	h := startServer(t, func(o *ServerOptions) {
		o.OnIncomingConnection = func(s *Server, c *Connection, code ErrorCode, ud any) {
			if first.CompareAndSwap(false, true) {
				<-gate
			}
			configure(s, c, code, ud)
		}
	})
	t.Cleanup(release)

	slow, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = slow.Close() }()
	require.Eventually(t, first.Load, 5*time.Second, 10*time.Millisecond)

	// 第一个连接的通知仍被卡住，新连接照常被接受和处理
	resp, err := oneShotClient().Get(h.url("/fast"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ErrCodeSuccess, waitCode(t, completes))

	_, err = io.WriteString(slow, "GET /slow HTTP/1.1\r\nHost: local\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	release()

	require.NoError(t, slow.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err = http.ReadResponse(bufio.NewReader(slow), nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode, "request waited for the connection to be configured")
	assert.Equal(t, ErrCodeSuccess, waitCode(t, completes))
}

func TestServer_RejectedRequestGets500(t *testing.T) {
	h := startServer(t, func(o *ServerOptions) {
		o.OnIncomingConnection = func(_ *Server, c *Connection, _ ErrorCode, _ any) {
			_ = c.Configure(ConnectionOptions{OnIncomingRequest: func(*Connection, any) *Stream { return nil }})
		}
	})

	resp, err := oneShotClient().Get(h.url("/"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_BodyCallbackFailureAborts(t *testing.T) {
	completes := make(chan ErrorCode, 1)
	h := startServer(t, func(o *ServerOptions) {
		o.OnIncomingConnection = func(_ *Server, c *Connection, _ ErrorCode, _ any) {
			_ = c.Configure(ConnectionOptions{OnIncomingRequest: func(c *Connection, _ any) *Stream {
				st, _ := NewRequestStream(c, StreamOptions{
					OnIncomingBody: func(*Stream, []byte, any) error { return errors.New("rejected body") },
					OnComplete:     func(_ *Stream, code ErrorCode, _ any) { completes <- code },
				})
				return st
			}})
		}
	})

	_, err := oneShotClient().Post(h.url("/upload"), "text/plain", strings.NewReader("data"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeCallbackFailure, waitCode(t, completes))
}

func TestServer_ReleaseForcesStuckStreams(t *testing.T) {
	completes := make(chan ErrorCode, 1)
	shutdownCodes := make(chan ErrorCode, 1)
	requestDone := make(chan struct{})

	h := startServer(t, func(o *ServerOptions) {
		o.ShutdownTimeout = 100 * time.Millisecond
		o.OnIncomingConnection = func(_ *Server, c *Connection, _ ErrorCode, _ any) {
			_ = c.Configure(ConnectionOptions{
				OnIncomingRequest: func(c *Connection, _ any) *Stream {
					st, _ := NewRequestStream(c, StreamOptions{
						OnRequestDone: func(*Stream, any) error {
							close(requestDone)
							return nil
						},
						OnComplete: func(_ *Stream, code ErrorCode, _ any) { completes <- code },
					})
					return st
				},
				OnShutdown: func(_ *Connection, code ErrorCode, _ any) { shutdownCodes <- code },
			})
		}
	})

	clientErr := make(chan error, 1)
	go func() {
		_, err := oneShotClient().Get(h.url("/never"))
		clientErr <- err
	}()

	<-requestDone
	h.srv.Release()
	h.waitDestroyed(t)

	assert.Equal(t, ErrCodeServerShutdown, waitCode(t, completes))
	assert.Equal(t, ErrCodeServerShutdown, <-shutdownCodes)
	assert.Error(t, <-clientErr)
}

func TestServer_ReleaseWithoutTraffic(t *testing.T) {
	h := startServer(t, nil)
	h.srv.Release()
	h.waitDestroyed(t)
	assert.True(t, h.srv.Releasing())

	_, err := oneShotClient().Get(h.url("/"))
	assert.Error(t, err, "listener must be closed after destroy")
}

func TestServer_LocalSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	completes := make(chan ErrorCode, 1)

	startServer(t, func(o *ServerOptions) {
		o.Endpoint = Endpoint{Address: path}
		o.SocketOptions = &SocketOptions{Domain: SocketDomainLocal, Type: SocketTypeStream}
		o.OnIncomingConnection = echoStreams(&recorder{}, http.StatusOK, "local", completes)
	})

	client := &http.Client{Transport: &http.Transport{
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	resp, err := client.Get("http://unix/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "local", string(body))
	assert.Equal(t, ErrCodeSuccess, waitCode(t, completes))
}

func TestServer_TLS(t *testing.T) {
	certPEM, keyPEM, err := tlsutil.SelfSigned([]string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	tlsOpts, err := NewTLSConnectionOptionsFromPEM(certPEM, keyPEM)
	require.NoError(t, err)

	completes := make(chan ErrorCode, 1)
	h := startServer(t, func(o *ServerOptions) {
		o.TLSOptions = tlsOpts
		o.MaxConnections = 4
		o.OnIncomingConnection = echoStreams(&recorder{}, http.StatusOK, "secure", completes)
	})

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certPEM))
	client := &http.Client{Transport: &http.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
	}}

	resp, err := client.Get("https://" + h.srv.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "secure", string(body))
	assert.Equal(t, ErrCodeSuccess, waitCode(t, completes))
}

// =============================================================================
// 🧪 连接与流
// =============================================================================

func TestConnection_ConfigureOnce(t *testing.T) {
	results := make(chan [3]error, 1)
	h := startServer(t, func(o *ServerOptions) {
		o.OnIncomingConnection = func(_ *Server, c *Connection, _ ErrorCode, _ any) {
			onReq := func(*Connection, any) *Stream { return nil }
			results <- [3]error{
				c.Configure(ConnectionOptions{}),
				c.Configure(ConnectionOptions{OnIncomingRequest: onReq}),
				c.Configure(ConnectionOptions{OnIncomingRequest: onReq}),
			}
		}
	})

	resp, err := oneShotClient().Get(h.url("/"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	errs := <-results
	assert.ErrorIs(t, errs[0], ErrInvalidOptions)
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrAlreadyConfigured)
}

func TestStream_SendResponseRules(t *testing.T) {
	st := &Stream{respCh: make(chan *Response, 1)}

	assert.ErrorIs(t, st.SendResponse(nil), ErrInvalidStatus)
	assert.ErrorIs(t, st.SendResponse(&Response{Status: 99}), ErrInvalidStatus)
	assert.NoError(t, st.SendResponse(&Response{Status: 200}))
	assert.ErrorIs(t, st.SendResponse(&Response{Status: 200}), ErrResponseAlreadySent)

	fresh := &Stream{respCh: make(chan *Response, 1)}
	fresh.completed.Store(true)
	assert.ErrorIs(t, fresh.SendResponse(&Response{Status: 200}), ErrStreamCompleted)
}

func TestNewRequestStream_RequiresConnection(t *testing.T) {
	_, err := NewRequestStream(nil, StreamOptions{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
