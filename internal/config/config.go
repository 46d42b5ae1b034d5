package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type SandboxConfig struct {
	ProjectRoot     string `mapstructure:"project_root"`
	DefaultTail     int    `mapstructure:"default_tail"`
	BuildErrorLimit int    `mapstructure:"build_error_limit"`
}

type LintConfig struct {
	Workdir  string `mapstructure:"workdir"`
	NodePath string `mapstructure:"node_path"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Lint    LintConfig    `mapstructure:"lint"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads sandboxd.yaml from the working directory or $HOME/.sandboxd,
// overlays SANDBOXD_* environment variables and validates the result. A
// missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("sandboxd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sandboxd")
	return load(v)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("sandbox.project_root", ".")
	v.SetDefault("sandbox.default_tail", 200)
	v.SetDefault("sandbox.build_error_limit", 1000)
	v.SetDefault("lint.workdir", "/app")
	v.SetDefault("lint.node_path", "/app/node_modules")
	v.SetDefault("storage.db_path", ":memory:")
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Sandbox.DefaultTail <= 0 {
		return fmt.Errorf("sandbox.default_tail must be positive, got: %d", c.Sandbox.DefaultTail)
	}
	if c.Sandbox.BuildErrorLimit <= 0 {
		return fmt.Errorf("sandbox.build_error_limit must be positive, got: %d", c.Sandbox.BuildErrorLimit)
	}
	if c.Sandbox.ProjectRoot == "" {
		return errors.New("sandbox.project_root must not be empty")
	}
	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	return nil
}
