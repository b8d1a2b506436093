// Package cliconfig handles mixctl's context configuration for connecting
// to daemon control sockets, ported from getployz-ployz's config/config.go
// kubeconfig-style pattern: named contexts with a current-context selector.
package cliconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Context describes how to reach a mixd control socket. Unlike a daemon
// context that might dial over SSH, a mixd control socket is always a local
// unix socket (C6's control.Server binds one path per worker), so the only
// field is the path and Validate enforces it's usable as one.
type Context struct {
	Socket string `yaml:"socket,omitempty"`
}

// Validate reports whether Socket is a path control.Client could actually
// dial: non-empty and absolute. Relative paths resolve against mixctl's
// working directory rather than the daemon's, which is almost never what a
// saved context means.
func (c Context) Validate() error {
	if c.Socket == "" {
		return errors.New("socket path is required")
	}
	if !filepath.IsAbs(c.Socket) {
		return fmt.Errorf("socket path %q must be absolute", c.Socket)
	}
	return nil
}

// Config holds named daemon contexts and the current selection.
type Config struct {
	CurrentContext string             `yaml:"current-context"`
	Contexts       map[string]Context `yaml:"contexts"`
}

// Path returns the config file location, respecting XDG_CONFIG_HOME.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "mixctl", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "mixctl", "config.yaml")
}

// Load reads the config file. A missing file yields an empty Config, not
// an error.
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Contexts: make(map[string]Context)}, nil
		}
		return nil, fmt.Errorf("read cli config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cli config: %w", err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]Context)
	}
	for name, ctx := range cfg.Contexts {
		if err := ctx.Validate(); err != nil {
			return nil, fmt.Errorf("context %q: %w", name, err)
		}
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create cli config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cli config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write cli config: %w", err)
	}
	return nil
}

// Current returns the current context name and value. The bool is false
// when no current context is set.
func (c *Config) Current() (string, Context, bool) {
	if c.CurrentContext == "" {
		return "", Context{}, false
	}
	ctx, ok := c.Contexts[c.CurrentContext]
	if !ok {
		return "", Context{}, false
	}
	return c.CurrentContext, ctx, true
}

// Use sets the current context, failing if it doesn't exist.
func (c *Config) Use(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// Set adds or updates a named context, rejecting a socket path that
// Validate would refuse to dial.
func (c *Config) Set(name string, ctx Context) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	c.Contexts[name] = ctx
	return nil
}

// Remove deletes a context, clearing CurrentContext if it pointed at it.
func (c *Config) Remove(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}
