// =============================================================================
// 📦 cdpdriver 配置加载器
// =============================================================================
// 加载顺序: 默认值 -> YAML 文件 -> 环境变量（CDPDRIVER_ 前缀）-> 验证器
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 配置结构
// =============================================================================

// Config 是 cdpdriver 的完整配置
type Config struct {
	// Server 控制 API 与指标服务器
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Discovery 端口扫描与 CDP 连接参数
	Discovery DiscoveryConfig `yaml:"discovery" env:"DISCOVERY"`

	// Behavior 注入脚本启动时使用的行为配置
	Behavior BehaviorConfig `yaml:"behavior" env:"BEHAVIOR"`

	// Script 注入脚本来源
	Script ScriptConfig `yaml:"script" env:"SCRIPT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 控制 API 服务器配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// APIKeys 为空时不启用 API Key 认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`

	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// JWT 配置后控制 API 同时接受 Bearer Token
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 认证配置（HMAC 签名）
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 是否配置了 JWT 认证
func (c JWTConfig) Enabled() bool { return c.Secret != "" }

// DiscoveryConfig 发现与连接配置
type DiscoveryConfig struct {
	// 调试端点所在主机
	Host string `yaml:"host" env:"HOST"`

	// 扫描中心端口与半径，扫描范围为 [BasePort-Radius, BasePort+Radius]
	BasePort int `yaml:"base_port" env:"BASE_PORT"`
	Radius   int `yaml:"radius" env:"RADIUS"`

	// 目标 URL 必须包含的子串
	WorkbenchMarker string `yaml:"workbench_marker" env:"WORKBENCH_MARKER"`

	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	CallTimeout    time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`

	// 周期扫描间隔与按需重扫的最小间隔
	ScanInterval      time.Duration `yaml:"scan_interval" env:"SCAN_INTERVAL"`
	MinRescanInterval time.Duration `yaml:"min_rescan_interval" env:"MIN_RESCAN_INTERVAL"`

	// 聚合查询的最大并发会话数
	FanOut int `yaml:"fan_out" env:"FAN_OUT"`
}

// BehaviorConfig 透传给注入脚本的行为配置
type BehaviorConfig struct {
	PollFrequency  int      `yaml:"poll_frequency" env:"POLL_FREQUENCY"`
	BackgroundMode bool     `yaml:"background_mode" env:"BACKGROUND_MODE"`
	BannedCommands []string `yaml:"banned_commands" env:"BANNED_COMMANDS"`

	// AutoStart 为 true 时 serve 启动后立即开始扫描
	AutoStart bool `yaml:"auto_start" env:"AUTO_START"`
}

// ScriptConfig 注入脚本配置
type ScriptConfig struct {
	// Path 为空时使用内置脚本
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"` // json, console
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 Loader
// =============================================================================

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建配置加载器，默认环境变量前缀为 CDPDRIVER
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CDPDRIVER",
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

// WithValidator 添加验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 按 env tag 递归覆盖字段，嵌套结构体的前缀以 "_" 连接
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
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
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置并验证，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if !validPort(c.Server.HTTPPort) {
		errs = append(errs, "invalid HTTP port")
	}
	if !validPort(c.Server.MetricsPort) {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		errs = append(errs, "http_port and metrics_port must differ")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limits must not be negative")
	}

	d := c.Discovery
	if d.Host == "" {
		errs = append(errs, "discovery host is required")
	}
	if !validPort(d.BasePort) {
		errs = append(errs, "invalid discovery base_port")
	}
	if d.Radius < 0 {
		errs = append(errs, "discovery radius must not be negative")
	}
	if d.ProbeTimeout <= 0 || d.ConnectTimeout <= 0 || d.CallTimeout <= 0 {
		errs = append(errs, "discovery timeouts must be positive")
	}
	if d.ScanInterval <= 0 {
		errs = append(errs, "scan_interval must be positive")
	}
	if d.MinRescanInterval < 0 {
		errs = append(errs, "min_rescan_interval must not be negative")
	}
	if d.FanOut <= 0 {
		errs = append(errs, "fan_out must be positive")
	}

	if c.Behavior.PollFrequency <= 0 {
		errs = append(errs, "poll_frequency must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }
