// Package config loads client configuration from YAML files and converts it
// into construction options for the root package. File settings are a
// baseline; options passed directly to New override them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmora/agentlink"
)

// configDir is the per-user and per-project configuration directory name.
const configDir = ".agentlink"

// configFile is the configuration file name inside configDir.
const configFile = "config.yaml"

// Duration decodes YAML duration strings like "5s" or "2m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode || value.Tag != "!!str" {
		return fmt.Errorf("config: duration must be a string like \"30s\", got %s", value.Tag)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config mirrors the YAML configuration file.
type Config struct {
	// Binary is the server executable name or path.
	Binary string `yaml:"binary"`

	// Args are extra arguments for the spawned server.
	Args []string `yaml:"args"`

	// Cwd is the working directory for the spawned server.
	Cwd string `yaml:"cwd"`

	// LogLevel is the server's log level.
	LogLevel string `yaml:"log_level"`

	// ServerURL attaches to an external server instead of spawning one.
	ServerURL string `yaml:"server_url"`

	// Stdio selects pipe transport (default true). Ignored with ServerURL.
	Stdio *bool `yaml:"stdio"`

	// Port requests a specific TCP port for the spawned server.
	Port int `yaml:"port"`

	// AutoStart controls implicit start on session-creating calls.
	AutoStart *bool `yaml:"auto_start"`

	// AutoRestart controls the single automatic restart cycle.
	AutoRestart *bool `yaml:"auto_restart"`

	// TokenEnv names an environment variable holding the auth token. The
	// token itself never lives in the file.
	TokenEnv string `yaml:"token_env"`

	// UseLoggedInUser controls whether the server uses the logged-in
	// identity. Unset keeps the client's default.
	UseLoggedInUser *bool `yaml:"use_logged_in_user"`

	// Dialect is the wire dialect: "native" or "acp".
	Dialect string `yaml:"dialect"`

	// GracePeriod is the graceful-shutdown wait, e.g. "5s".
	GracePeriod Duration `yaml:"grace_period"`

	// StartTimeout bounds server start plus handshake, e.g. "30s".
	StartTimeout Duration `yaml:"start_timeout"`

	// RequestTimeout is the default RPC deadline, e.g. "60s".
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Load reads one configuration file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the user-level file (~/.agentlink/config.yaml) and then
// the project-level file (./.agentlink/config.yaml), with the project file
// taking precedence field by field. Missing files are not an error.
func LoadDefault() (*Config, error) {
	cfg := &Config{}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, configDir, configFile)
		if _, err := os.Stat(userPath); err == nil {
			if err := loadFromFile(userPath, cfg); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", userPath, err)
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: working directory: %w", err)
	}
	projectPath := filepath.Join(wd, configDir, configFile)
	if _, err := os.Stat(projectPath); err == nil {
		if err := loadFromFile(projectPath, cfg); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", projectPath, err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Options converts the file settings into client construction options.
// Zero-valued fields produce no option, so the client's own defaults apply.
func (c *Config) Options() []agentlink.Option {
	var opts []agentlink.Option

	if c.Binary != "" {
		opts = append(opts, agentlink.WithBinary(c.Binary))
	}
	if len(c.Args) > 0 {
		opts = append(opts, agentlink.WithArgs(c.Args...))
	}
	if c.Cwd != "" {
		opts = append(opts, agentlink.WithCwd(c.Cwd))
	}
	if c.LogLevel != "" {
		opts = append(opts, agentlink.WithLogLevel(c.LogLevel))
	}
	if c.ServerURL != "" {
		opts = append(opts, agentlink.WithServerURL(c.ServerURL))
	}
	if c.Stdio != nil {
		opts = append(opts, agentlink.WithStdio(*c.Stdio))
	}
	if c.Port > 0 {
		opts = append(opts, agentlink.WithPort(c.Port))
	}
	if c.AutoStart != nil {
		opts = append(opts, agentlink.WithAutoStart(*c.AutoStart))
	}
	if c.AutoRestart != nil {
		opts = append(opts, agentlink.WithAutoRestart(*c.AutoRestart))
	}
	if c.TokenEnv != "" {
		if token := os.Getenv(c.TokenEnv); token != "" {
			opts = append(opts, agentlink.WithToken(token))
		}
	}
	if c.UseLoggedInUser != nil {
		opts = append(opts, agentlink.WithLoggedInUser(*c.UseLoggedInUser))
	}
	if c.Dialect != "" {
		opts = append(opts, agentlink.WithDialect(agentlink.Dialect(c.Dialect)))
	}
	if c.GracePeriod > 0 {
		opts = append(opts, agentlink.WithGracePeriod(time.Duration(c.GracePeriod)))
	}
	if c.StartTimeout > 0 {
		opts = append(opts, agentlink.WithStartTimeout(time.Duration(c.StartTimeout)))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, agentlink.WithRequestTimeout(time.Duration(c.RequestTimeout)))
	}

	return opts
}
