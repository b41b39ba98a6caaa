// Package config provides HCL configuration handling for gatekeep.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/gatekeep/internal/brand"
)

// Config is the root configuration.
type Config struct {
	Server *ServerConfig `hcl:"server,block" json:"server,omitempty"`
	Auth   *AuthConfig   `hcl:"auth,block" json:"auth,omitempty"`
	SSH    *SSHConfig    `hcl:"ssh,block" json:"ssh"`
	Panel  *PanelConfig  `hcl:"panel,block" json:"panel,omitempty"`
	Log    *LogConfig    `hcl:"log,block" json:"log,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen      string   `hcl:"listen,optional" json:"listen,omitempty"`
	CORSOrigins []string `hcl:"cors_origins,optional" json:"cors_origins,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Token is the bearer token required on /api routes. Empty disables auth.
	Token string `hcl:"token,optional" json:"-"`
}

// SSHConfig describes the managed remote host.
type SSHConfig struct {
	Host           string `hcl:"host" json:"host"`
	Port           int    `hcl:"port,optional" json:"port,omitempty"`
	User           string `hcl:"user" json:"user"`
	Password       string `hcl:"password,optional" json:"-"`
	KeyFile        string `hcl:"key_file,optional" json:"key_file,omitempty"`
	KnownHostsFile string `hcl:"known_hosts_file,optional" json:"known_hosts_file,omitempty"`
	TimeoutSecs    int    `hcl:"timeout,optional" json:"timeout,omitempty"`
	UseSudo        bool   `hcl:"use_sudo,optional" json:"use_sudo,omitempty"`
}

// Timeout returns the per-command timeout.
func (c *SSHConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Addr returns the host:port dial address.
func (c *SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// PanelConfig describes the 3x-ui panel endpoint.
type PanelConfig struct {
	BaseURL     string `hcl:"base_url" json:"base_url"`
	Username    string `hcl:"username" json:"username"`
	Password    string `hcl:"password,optional" json:"-"`
	TimeoutSecs int    `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// Timeout returns the panel request timeout.
func (c *PanelConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// Load reads and decodes an HCL config file, then applies environment
// overrides for secrets and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes config from bytes. The filename is used for HCL
// diagnostics only.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file on disk.
func (c *Config) applyEnvOverrides() {
	prefix := brand.ConfigEnvPrefix

	if v := os.Getenv(prefix + "_SSH_PASSWORD"); v != "" {
		if c.SSH == nil {
			c.SSH = &SSHConfig{}
		}
		c.SSH.Password = v
	}
	if v := os.Getenv(prefix + "_PANEL_PASSWORD"); v != "" {
		if c.Panel == nil {
			c.Panel = &PanelConfig{}
		}
		c.Panel.Password = v
	}
	if v := os.Getenv(prefix + "_AUTH_TOKEN"); v != "" {
		if c.Auth == nil {
			c.Auth = &AuthConfig{}
		}
		c.Auth.Token = v
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.SSH == nil {
		return fmt.Errorf("ssh block is required")
	}
	if c.SSH.Host == "" {
		return fmt.Errorf("ssh.host is required")
	}
	if c.SSH.User == "" {
		return fmt.Errorf("ssh.user is required")
	}
	if c.SSH.Password == "" && c.SSH.KeyFile == "" {
		return fmt.Errorf("ssh requires password or key_file")
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port out of range: %d", c.SSH.Port)
	}
	if c.Panel != nil {
		if c.Panel.BaseURL == "" {
			return fmt.Errorf("panel.base_url is required when panel block is present")
		}
		if c.Panel.Username == "" {
			return fmt.Errorf("panel.username is required when panel block is present")
		}
	}
	return nil
}

// ListenAddr returns the HTTP listen address with a default.
func (c *Config) ListenAddr() string {
	if c.Server != nil && c.Server.Listen != "" {
		return c.Server.Listen
	}
	return ":8080"
}
