package inject

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed default_script.js
var defaultScript string

// DefaultScript returns the built-in script that installs the global
// contract with inert behavior.
func DefaultScript() string { return defaultScript }

// ScriptSource supplies the body evaluated on first injection.
type ScriptSource interface {
	Body() string
}

// Script is a ScriptSource backed by a file, falling back to the built-in
// script when no path is configured. Reload swaps the body atomically;
// sessions that were already injected keep the body they received.
type Script struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	body string
}

// NewScript loads the script at path. An empty path selects the built-in
// script.
func NewScript(path string, logger *zap.Logger) (*Script, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Script{
		path:   path,
		logger: logger.With(zap.String("component", "inject_script")),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// StaticScript returns a Script that always serves body.
func StaticScript(body string) *Script {
	return &Script{body: body, logger: zap.NewNop()}
}

// Path returns the backing file, or "" for the built-in script.
func (s *Script) Path() string { return s.path }

// Body returns the current script text.
func (s *Script) Body() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.body
}

// Reload rereads the backing file. On error the previous body is kept.
func (s *Script) Reload() error {
	body := defaultScript
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("read script %s: %w", s.path, err)
		}
		body = string(data)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("script %q is empty", s.path)
	}

	s.mu.Lock()
	changed := s.body != body
	s.body = body
	s.mu.Unlock()

	if changed {
		s.logger.Info("script loaded",
			zap.String("path", s.path),
			zap.Int("bytes", len(body)))
	}
	return nil
}
