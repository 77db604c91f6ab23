// 配置与注入脚本热更新。
//
// Reloader 监听配置文件与脚本文件，配置变更时重新加载并验证，
// 逐字段比较新旧配置后通知回调；验证失败时保留旧配置。
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigChange 记录单个字段的变更
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"` // file, api
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
}

// ReloadCallback 在新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// 运行期可直接生效的字段前缀，其余变更需要重启
var hotReloadablePrefixes = []string{
	"behavior.",
	"log.level",
}

const maxChangeHistory = 100

// Reloader 配置热更新管理器
type Reloader struct {
	mu sync.RWMutex

	configPath string
	scriptPath string
	current    *Config
	history    []ConfigChange

	onReload []ReloadCallback
	onScript []func(path string)

	watcher     *FileWatcher
	watcherOpts []WatcherOption
	logger      *zap.Logger
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithReloadConfigPath 设置需要监听的配置文件
func WithReloadConfigPath(path string) ReloaderOption {
	return func(r *Reloader) { r.configPath = path }
}

// WithReloadScriptPath 设置需要监听的注入脚本文件
func WithReloadScriptPath(path string) ReloaderOption {
	return func(r *Reloader) { r.scriptPath = path }
}

// WithReloadWatcherOptions 透传 FileWatcher 选项
func WithReloadWatcherOptions(opts ...WatcherOption) ReloaderOption {
	return func(r *Reloader) { r.watcherOpts = append(r.watcherOpts, opts...) }
}

// WithReloaderLogger 设置日志记录器
func WithReloaderLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = logger }
}

// NewReloader 以 cfg 为当前配置创建 Reloader
func NewReloader(cfg *Config, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		current: cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))
	return r
}

// Start 启动文件监听。没有任何可监听的路径时直接返回。
func (r *Reloader) Start(ctx context.Context) error {
	paths := make([]string, 0, 2)
	for _, p := range []string{r.configPath, r.scriptPath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	opts := append([]WatcherOption{
		WithDebounceDelay(500 * time.Millisecond),
		WithWatcherLogger(r.logger),
	}, r.watcherOpts...)
	watcher, err := NewFileWatcher(paths, opts...)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	watcher.OnChange(r.handleFileChange)
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()
	return nil
}

// Stop 停止文件监听
func (r *Reloader) Stop() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// Config 返回当前配置
func (r *Reloader) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload 注册配置生效回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, cb)
}

// OnScriptChange 注册脚本文件变更回调
func (r *Reloader) OnScriptChange(cb func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onScript = append(r.onScript, cb)
}

// Changes 返回最近的变更记录，旧的在前
func (r *Reloader) Changes() []ConfigChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConfigChange, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Reloader) handleFileChange(evt FileEvent) {
	if evt.Op == FileOpRemove {
		r.logger.Warn("watched file removed, keeping current state", zap.String("path", evt.Path))
		return
	}

	switch evt.Path {
	case absPath(r.configPath):
		if _, err := r.ReloadFromFile(); err != nil {
			r.logger.Error("config reload failed", zap.String("path", evt.Path), zap.Error(err))
		}
	case absPath(r.scriptPath):
		r.mu.RLock()
		callbacks := append([]func(string){}, r.onScript...)
		r.mu.RUnlock()
		for _, cb := range callbacks {
			if err := safeCall(func() { cb(evt.Path) }); err != nil {
				r.logger.Error("script change callback failed", zap.Error(err))
			}
		}
	}
}

// ConfigPath 返回监听的配置文件路径，未配置时为空
func (r *Reloader) ConfigPath() string {
	return r.configPath
}

// ReloadFromFile 从配置文件重新加载。新配置无效时返回错误并保留旧配置。
func (r *Reloader) ReloadFromFile() ([]ConfigChange, error) {
	if r.configPath == "" {
		return nil, fmt.Errorf("no config path configured")
	}
	cfg, err := NewLoader().WithConfigPath(r.configPath).Load()
	if err != nil {
		return nil, err
	}
	return r.Apply(cfg, "file")
}

// Apply 验证并替换当前配置，返回字段级变更
func (r *Reloader) Apply(cfg *Config, source string) ([]ConfigChange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	old := r.current
	changes := DiffConfig(old, cfg)
	if len(changes) == 0 {
		r.mu.Unlock()
		return nil, nil
	}
	now := time.Now()
	for i := range changes {
		changes[i].Timestamp = now
		changes[i].Source = source
	}
	r.current = cfg
	r.history = append(r.history, changes...)
	if over := len(r.history) - maxChangeHistory; over > 0 {
		r.history = append([]ConfigChange(nil), r.history[over:]...)
	}
	callbacks := append([]ReloadCallback{}, r.onReload...)
	r.mu.Unlock()

	for _, c := range changes {
		r.logger.Info("config changed",
			zap.String("path", c.Path),
			zap.String("source", c.Source),
			zap.Bool("requires_restart", c.RequiresRestart))
	}
	for _, cb := range callbacks {
		if err := safeCall(func() { cb(old, cfg) }); err != nil {
			r.logger.Error("reload callback failed", zap.Error(err))
		}
	}
	return changes, nil
}

// DiffConfig 按 yaml 字段路径比较两份配置
func DiffConfig(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		of, nf := oldVal.Field(i), newVal.Field(i)
		if of.Kind() == reflect.Struct && of.Type() != reflect.TypeOf(time.Time{}) {
			compareStructs(path, of, nf, changes)
			continue
		}
		if reflect.DeepEqual(of.Interface(), nf.Interface()) {
			continue
		}
		change := ConfigChange{
			Path:            path,
			OldValue:        of.Interface(),
			NewValue:        nf.Interface(),
			RequiresRestart: !IsHotReloadable(path),
		}
		if isSensitive(path) {
			change.OldValue, change.NewValue = redacted, redacted
		}
		*changes = append(*changes, change)
	}
}

// IsHotReloadable 报告字段变更能否在运行期生效
func IsHotReloadable(path string) bool {
	for _, p := range hotReloadablePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

const redacted = "***"

var sensitivePaths = map[string]bool{
	"server.api_keys":   true,
	"server.jwt.secret": true,
}

func isSensitive(path string) bool { return sensitivePaths[path] }

// Clone 返回配置的深拷贝
func (c *Config) Clone() *Config {
	out := *c
	out.Server.APIKeys = append([]string(nil), c.Server.APIKeys...)
	out.Behavior.BannedCommands = append([]string(nil), c.Behavior.BannedCommands...)
	out.Log.OutputPaths = append([]string(nil), c.Log.OutputPaths...)
	return &out
}

// Sanitized 返回脱敏后的配置视图，用于对外展示
func (c *Config) Sanitized() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for path := range sensitivePaths {
		redactPath(out, strings.Split(path, "."))
	}
	return out, nil
}

func redactPath(m map[string]any, parts []string) {
	v, ok := m[parts[0]]
	if !ok {
		return
	}
	if len(parts) == 1 {
		switch x := v.(type) {
		case nil:
			return
		case string:
			if x == "" {
				return
			}
		case []any:
			if len(x) == 0 {
				return
			}
		}
		m[parts[0]] = redacted
		return
	}
	if child, ok := v.(map[string]any); ok {
		redactPath(child, parts[1:])
	}
}

func safeCall(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("callback panicked: %v", rec)
		}
	}()
	fn()
	return nil
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
