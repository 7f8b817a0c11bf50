package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/config"
)

// =============================================================================
// 🧭 演示路由
// =============================================================================

const (
	indexPage    = "index.html"
	notFoundPage = "not_found.html"
	formDemoPath = "/form_demo"
	healthPath   = "/health"
)

// contentTypes 静态文件扩展名与 Content-Type 的映射
var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".png":  "image/png",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
}

// demoResponse 路由结果，由 handler 转成 bridge.Response
type demoResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// router 把请求映射到内容目录中的文件和内置页面
type router struct {
	fs          afero.Fs
	receivedDir string
	metricsPath string
	gatherer    prometheus.Gatherer
	started     time.Time
	logger      *zap.Logger
}

func newRouter(fs afero.Fs, cfg *config.Config, gatherer prometheus.Gatherer, logger *zap.Logger) *router {
	r := &router{
		fs:          fs,
		receivedDir: "/" + strings.Trim(cfg.Demo.ReceivedDir, "/"),
		started:     time.Now(),
		logger:      logger.With(zap.String("component", "demo_router")),
	}
	if cfg.Metrics.Enabled && gatherer != nil {
		r.metricsPath = cfg.Metrics.Path
		r.gatherer = gatherer
	}
	return r
}

// newContentFs 组合内容文件系统：内置默认页面只读打底，
// 磁盘内容目录（或内存文件系统）叠加其上并承接上传。
func newContentFs(cfg config.DemoConfig) (afero.Fs, error) {
	defaults := afero.NewMemMapFs()
	for name, body := range defaultPages {
		if err := afero.WriteFile(defaults, "/"+name, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("seed %s: %w", name, err)
		}
	}

	var layer afero.Fs
	if cfg.InMemory {
		layer = afero.NewMemMapFs()
	} else {
		if err := os.MkdirAll(cfg.ContentDir, 0o755); err != nil {
			return nil, fmt.Errorf("create content dir: %w", err)
		}
		layer = afero.NewBasePathFs(afero.NewOsFs(), cfg.ContentDir)
	}
	return afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(defaults), layer), nil
}

// =============================================================================
// 🔁 请求交换
// =============================================================================

// exchange 是一次请求的路由状态。回调在执行锁内串行调用，无需额外加锁。
type exchange struct {
	router *router
	method string
	target *url.URL
	start  time.Time

	// 预先确定的响应（限流、拒绝、错误）
	decided *demoResponse
	// POST /form_demo 的请求体
	form     *bytes.Buffer
	upload   afero.File
	uploaded string
}

// begin 在请求头结束时调用
func (r *router) begin(method, rawTarget string) *exchange {
	ex := &exchange{router: r, method: method, start: time.Now()}
	u, err := url.ParseRequestURI(rawTarget)
	if err != nil {
		ex.decided = htmlResponse(http.StatusBadRequest, "<h1>Bad request target</h1>\n")
		return ex
	}
	ex.target = u

	switch method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost:
		if u.Path == formDemoPath {
			ex.form = &bytes.Buffer{}
		} else {
			ex.decided = htmlResponse(http.StatusForbidden, fmt.Sprintf(
				"<h1>Your POST request to %s is blocked!</h1>\n<h2>Only %s accepts POST</h2>\n",
				html.EscapeString(u.Path), formDemoPath))
		}
	case http.MethodPut:
		ex.decided = r.beginUpload(ex, u)
	default:
		ex.decided = htmlResponse(http.StatusMethodNotAllowed, fmt.Sprintf(
			"<h1>Method %s is not implemented</h1>\n", html.EscapeString(method)))
	}
	return ex
}

// reject 用给定响应结束交换，忽略后续请求体
func (ex *exchange) reject(resp *demoResponse) {
	ex.abort()
	ex.form = nil
	ex.decided = resp
}

// write 处理一个请求体分块
func (ex *exchange) write(chunk []byte) error {
	switch {
	case ex.upload != nil:
		if _, err := ex.upload.Write(chunk); err != nil {
			ex.router.logger.Warn("upload write failed", zap.String("file", ex.uploaded), zap.Error(err))
			ex.reject(htmlResponse(http.StatusInternalServerError, "<h1>Upload failed</h1>\n"))
		}
	case ex.form != nil:
		ex.form.Write(chunk)
	}
	return nil
}

// finish 在请求结束时调用，返回要发送的响应
func (ex *exchange) finish() *demoResponse {
	if ex.decided != nil {
		return ex.decided
	}
	switch ex.method {
	case http.MethodPost:
		return formDemoResponse("POST", "body", ex.form.Bytes())
	case http.MethodPut:
		return ex.finishUpload()
	default:
		return ex.router.get(ex.target)
	}
}

// abort 在流失败时清理未完成的上传
func (ex *exchange) abort() {
	if ex.upload == nil {
		return
	}
	_ = ex.upload.Close()
	ex.upload = nil
	if err := ex.router.fs.Remove(ex.uploaded); err != nil {
		ex.router.logger.Warn("remove partial upload failed", zap.String("file", ex.uploaded), zap.Error(err))
	}
}

// normalizedPath 给指标用的路径标签
func (ex *exchange) normalizedPath() string {
	if ex.target == nil {
		return "invalid"
	}
	return normalizePath(ex.target.Path)
}

// =============================================================================
// 📄 GET
// =============================================================================

func (r *router) get(u *url.URL) *demoResponse {
	switch {
	case u.Path == healthPath:
		return r.health()
	case r.metricsPath != "" && u.Path == r.metricsPath:
		return r.metrics()
	case u.Path == "/":
		return r.file("/"+indexPage, contentTypes[".html"])
	case u.Path == formDemoPath:
		return formDemoResponse("GET", "query", []byte(u.RawQuery))
	}

	name := path.Clean(u.Path)
	if ct, ok := contentTypes[path.Ext(name)]; ok {
		return r.file(name, ct)
	}
	return r.file(name+".html", contentTypes[".html"])
}

func (r *router) file(name, contentType string) *demoResponse {
	body, err := afero.ReadFile(r.fs, name)
	if err != nil {
		r.logger.Debug("static file not served", zap.String("file", name), zap.Error(err))
		return r.notFound()
	}
	return &demoResponse{Status: http.StatusOK, ContentType: contentType, Body: body}
}

func (r *router) notFound() *demoResponse {
	body, err := afero.ReadFile(r.fs, "/"+notFoundPage)
	if err != nil {
		body = []byte("404 page not found\n")
	}
	return &demoResponse{Status: http.StatusNotFound, ContentType: contentTypes[".html"], Body: body}
}

func (r *router) health() *demoResponse {
	body, _ := json.Marshal(map[string]any{
		"status": "healthy",
		"uptime": time.Since(r.started).Round(time.Second).String(),
	})
	return &demoResponse{Status: http.StatusOK, ContentType: "application/json", Body: body}
}

// metrics 以 Prometheus 文本格式导出收集器
func (r *router) metrics() *demoResponse {
	families, err := r.gatherer.Gather()
	if err != nil {
		r.logger.Warn("gather metrics failed", zap.Error(err))
		if len(families) == 0 {
			return &demoResponse{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
		}
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return &demoResponse{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
		}
	}
	return &demoResponse{Status: http.StatusOK, ContentType: string(format), Body: buf.Bytes()}
}

// =============================================================================
// 📤 PUT
// =============================================================================

// uploadName 返回 PUT 目标在接收目录内的文件名；目标不是接收目录的直接子文件时返回 false
func uploadName(p string) (string, bool) {
	if p != path.Clean(p) || path.Dir(p) != "/" {
		return "", false
	}
	name := path.Base(p)
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

func (r *router) beginUpload(ex *exchange, u *url.URL) *demoResponse {
	name, ok := uploadName(u.Path)
	if !ok {
		return htmlResponse(http.StatusBadRequest, fmt.Sprintf(
			"<h1>Your PUT request is blocked, because %s is invalid!</h1>\n", html.EscapeString(u.Path)))
	}
	dst := path.Join(r.receivedDir, name)
	if exists, _ := afero.Exists(r.fs, dst); exists {
		return htmlResponse(http.StatusConflict, fmt.Sprintf(
			"<h1>Your PUT request is blocked, because %s is already there!</h1>\n<h2>To revise it, try POST</h2>\n",
			html.EscapeString(u.Path)))
	}
	if err := r.fs.MkdirAll(r.receivedDir, 0o755); err != nil {
		r.logger.Warn("create received dir failed", zap.Error(err))
		return htmlResponse(http.StatusInternalServerError, "<h1>Upload failed</h1>\n")
	}
	f, err := r.fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Warn("open upload failed", zap.String("file", dst), zap.Error(err))
		return htmlResponse(http.StatusConflict, fmt.Sprintf(
			"<h1>Your PUT request is blocked, because %s is already there!</h1>\n", html.EscapeString(u.Path)))
	}
	ex.upload = f
	ex.uploaded = dst
	return nil
}

func (ex *exchange) finishUpload() *demoResponse {
	if err := ex.upload.Close(); err != nil {
		ex.router.logger.Warn("close upload failed", zap.String("file", ex.uploaded), zap.Error(err))
	}
	ex.upload = nil
	ex.router.logger.Info("upload stored", zap.String("file", ex.uploaded))
	return htmlResponse(http.StatusCreated, fmt.Sprintf(
		"<h1>Your PUT request to %s succeed!</h1>\n", html.EscapeString(ex.target.Path)))
}

// =============================================================================
// 🧱 页面
// =============================================================================

func htmlResponse(status int, body string) *demoResponse {
	return &demoResponse{Status: status, ContentType: contentTypes[".html"], Body: []byte(page(body))}
}

func formDemoResponse(method, what string, data []byte) *demoResponse {
	body := fmt.Sprintf("<h1>Your %s request succeed!</h1>\n<h1>Your %s request %s is:</h1>\n<p>%s</p>\n",
		method, method, what, html.EscapeString(string(data)))
	return htmlResponse(http.StatusOK, body)
}

func page(body string) string {
	return "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Server Demo</title>\n</head>\n<body>\n" +
		body + "</body>\n</html>\n"
}

var defaultPages = map[string]string{
	indexPage: page("<h1>crtbridge server demo</h1>\n" +
		"<form action=\"/form_demo\" method=\"get\"><input name=\"q\"><button>GET</button></form>\n" +
		"<form action=\"/form_demo\" method=\"post\"><input name=\"q\"><button>POST</button></form>\n"),
	notFoundPage: page("<h1>404 Not Found</h1>\n"),
}

// pathSegmentPattern 匹配看起来像动态标识的路径段
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath 把动态路径段替换为 ":id"，控制指标标签基数
func normalizePath(p string) string {
	switch p {
	case "/", healthPath, formDemoPath, "/metrics":
		return p
	}

	segments := strings.Split(p, "/")
	normalized := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return p
	}
	return strings.Join(segments, "/")
}
