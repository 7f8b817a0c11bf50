// =============================================================================
// 📦 crtbridge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("crtbridge.yaml").
//	    WithEnvPrefix("CRTBRIDGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxHostLen mirrors the engine's address limit; hosts must be strictly shorter.
const MaxHostLen = 108

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 crtbridge 的完整配置结构
type Config struct {
	// Server 监听与关闭配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Socket 套接字选项
	Socket SocketConfig `yaml:"socket" env:"SOCKET"`

	// TLS 配置
	TLS TLSConfig `yaml:"tls" env:"TLS"`

	// Pool 事件循环组配置
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Demo 演示应用配置
	Demo DemoConfig `yaml:"demo" env:"DEMO"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Host string `yaml:"host" env:"HOST"`
	// 监听端口，0 表示临时端口
	Port int `yaml:"port" env:"PORT"`
	// 最大并发连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// 请求头读取超时
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时，超时后强制关闭连接
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SocketConfig 套接字选项
type SocketConfig struct {
	// 地址族: ipv4, ipv6, local
	Domain string `yaml:"domain" env:"DOMAIN"`
	// 套接字类型: stream, dgram
	Type string `yaml:"type" env:"TYPE"`
	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// 是否启用 TCP keep-alive
	KeepAlive bool `yaml:"keep_alive" env:"KEEP_ALIVE"`
	// keep-alive 探测间隔
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
	// keep-alive 空闲时间
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout" env:"KEEP_ALIVE_TIMEOUT"`
}

// TLSConfig TLS 配置
type TLSConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 证书文件
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	// 私钥文件
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`
	// 未提供证书时生成自签名证书
	SelfSigned bool `yaml:"self_signed" env:"SELF_SIGNED"`
}

// PoolConfig 事件循环组（goroutine 池）配置
type PoolConfig struct {
	// 最大工作 goroutine 数
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// 队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DemoConfig 演示应用配置
type DemoConfig struct {
	// 静态内容目录
	ContentDir string `yaml:"content_dir" env:"CONTENT_DIR"`
	// PUT 上传保存目录（相对 ContentDir）
	ReceivedDir string `yaml:"received_dir" env:"RECEIVED_DIR"`
	// 使用内存文件系统
	InMemory bool `yaml:"in_memory" env:"IN_MEMORY"`
	// 每秒请求数限制，0 表示不限制
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 演示应用导出路径
	Path string `yaml:"path" env:"PATH"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CRTBRIDGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if n := len(c.Server.Host); n == 0 || n >= MaxHostLen {
		errs = append(errs, fmt.Sprintf("server host length must be in [1, %d)", MaxHostLen))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "max_connections must not be negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	switch c.Socket.Domain {
	case "ipv4", "ipv6", "local":
	default:
		errs = append(errs, fmt.Sprintf("unknown socket domain %q", c.Socket.Domain))
	}
	switch c.Socket.Type {
	case "stream":
	case "dgram":
		errs = append(errs, "server sockets must be stream sockets")
	default:
		errs = append(errs, fmt.Sprintf("unknown socket type %q", c.Socket.Type))
	}

	if c.TLS.Enabled && !c.TLS.SelfSigned && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, "tls requires cert_file and key_file unless self_signed is set")
	}

	if c.Pool.MaxWorkers <= 0 {
		errs = append(errs, "pool max_workers must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}
	if c.Demo.RateLimitRPS < 0 {
		errs = append(errs, "demo rate_limit_rps must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Address 返回 host:port 形式的监听地址；local 域直接返回路径
func (c *Config) Address() string {
	if c.Socket.Domain == "local" {
		return c.Server.Host
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
