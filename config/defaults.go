// =============================================================================
// 📦 cdpdriver 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Discovery: DefaultDiscoveryConfig(),
		Behavior:  DefaultBehaviorConfig(),
		Script:    ScriptConfig{},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDiscoveryConfig 返回默认发现配置，扫描 9000±3
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Host:              "127.0.0.1",
		BasePort:          9000,
		Radius:            3,
		WorkbenchMarker:   "workbench.html",
		ProbeTimeout:      500 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		CallTimeout:       2 * time.Second,
		ScanInterval:      10 * time.Second,
		MinRescanInterval: time.Second,
		FanOut:            8,
	}
}

// DefaultBannedCommands 默认禁止自动执行的终端命令
var DefaultBannedCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -rf *",
	"format c:",
	"del /f /s /q",
	"rmdir /s /q",
	":(){:|:&};:",
	"dd if=",
	"mkfs.",
	"> /dev/sda",
	"chmod -R 777 /",
}

// DefaultBehaviorConfig 返回默认行为配置
func DefaultBehaviorConfig() BehaviorConfig {
	banned := make([]string, len(DefaultBannedCommands))
	copy(banned, DefaultBannedCommands)
	return BehaviorConfig{
		PollFrequency:  750,
		BackgroundMode: false,
		BannedCommands: banned,
		AutoStart:      true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cdpdriver",
		SampleRate:   0.1,
	}
}
