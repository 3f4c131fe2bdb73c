// Package config loads kubex settings from a YAML file, a .env file and the
// environment. Every failure is an apierr ConfigLoad or Security error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bodrovis/kubex/apierr"
)

const (
	defaultNamespace   = "default"
	defaultTimeout     = 30 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second

	namespacePlaceholder = "{namespace}"
)

type Config struct {
	Server    string        `yaml:"server"`
	Token     string        `yaml:"token"`
	Namespace string        `yaml:"namespace"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	// Insecure allows sending a token over plain http.
	Insecure  bool       `yaml:"insecure"`
	Backoff   Backoff    `yaml:"backoff"`
	Resources []Resource `yaml:"resources"`
}

type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// Resource is one collection to keep in sync. Path may contain {namespace}.
type Resource struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Load reads path, applies KUBEX_* overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.ConfigLoad("read "+path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, apierr.ConfigLoad("parse config", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server = GetEnv(EnvServer, c.Server)
	c.Token = GetEnv(EnvToken, c.Token)
	c.Namespace = GetEnv(EnvNamespace, c.Namespace)
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = defaultBackoffBase
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = defaultBackoffMax
	}
	for i := range c.Resources {
		c.Resources[i].Path = strings.ReplaceAll(c.Resources[i].Path, namespacePlaceholder, c.Namespace)
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return apierr.ConfigLoad("server is required (set it in the config file or "+EnvServer+")", nil)
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return apierr.ConfigLoad("invalid server url", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if c.Token != "" && !c.Insecure {
			return apierr.Security("refusing to send a bearer token over plain http; set insecure: true to allow it", nil)
		}
	default:
		return apierr.ConfigLoad(fmt.Sprintf("server scheme %q is not http or https", u.Scheme), nil)
	}
	if u.Host == "" {
		return apierr.ConfigLoad("server url has no host", nil)
	}

	if c.Timeout < 0 {
		return apierr.ConfigLoad("timeout must be >= 0", nil)
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return apierr.ConfigLoad("backoff must satisfy 0 < base <= max", nil)
	}

	seen := make(map[string]struct{}, len(c.Resources))
	for i, r := range c.Resources {
		if strings.TrimSpace(r.Name) == "" {
			return apierr.ConfigLoad(fmt.Sprintf("resources[%d]: name is required", i), nil)
		}
		if strings.TrimSpace(r.Path) == "" {
			return apierr.ConfigLoad(fmt.Sprintf("resources[%d] (%s): path is required", i, r.Name), nil)
		}
		if _, dup := seen[r.Name]; dup {
			return apierr.ConfigLoad(fmt.Sprintf("resources[%d]: duplicate name %q", i, r.Name), nil)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
