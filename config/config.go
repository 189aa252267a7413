package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configKey is the context key for storing the loaded configuration.
type configKey struct{}

// WithContext returns a new context with the config stored.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the config from context.
// Returns an error if config is not found.
func FromContext(ctx context.Context) (*Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not found in context")
	}
	return cfg, nil
}

// Config is the root configuration struct for embhttpd.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Limits LimitsConfig `mapstructure:"limits"`
	CORS   CORSConfig   `mapstructure:"cors"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig holds listener and scheduling configuration.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	Mode              string        `mapstructure:"mode" validate:"required,oneof=conn-goroutine single-loop external"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"min=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
}

// LimitsConfig bounds per-request and per-server resources. Zero keeps
// the engine default for each limit; a negative max_body_bytes lifts the
// body cap entirely.
type LimitsConfig struct {
	MaxLineBytes   int   `mapstructure:"max_line_bytes" validate:"min=0"`
	MaxHeaderBytes int   `mapstructure:"max_header_bytes" validate:"min=0"`
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
	MaxConns       int   `mapstructure:"max_conns" validate:"min=0"`
}

// CORSConfig holds cross-origin resource sharing settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// flagToViperKey maps CLI flag names to viper configuration keys.
var flagToViperKey = map[string]string{
	"addr":      "server.addr",
	"mode":      "server.mode",
	"max-conns": "limits.max_conns",
	"log-level": "log.level",
}

// bindFlags binds CLI flags to viper keys with custom name mapping.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		// Use custom mapping if it exists, otherwise use flag name as-is
		viperKey := f.Name
		if mapped, ok := flagToViperKey[viperKey]; ok {
			viperKey = mapped
		}

		// Only bind if the flag was explicitly set
		if f.Changed {
			_ = v.BindPFlag(viperKey, f)
		}
	})
}

// defaults holds every configuration key with its default value. Both
// viper and DefaultYAML read from here, so the rendered config file and
// the loaded defaults cannot drift apart.
var defaults = map[string]any{
	"server.addr":                ":8080",
	"server.mode":                "conn-goroutine",
	"server.read_timeout":        30 * time.Second,
	"server.read_header_timeout": 10 * time.Second,
	"server.write_timeout":       30 * time.Second,
	"server.idle_timeout":        2 * time.Minute,

	"limits.max_line_bytes":   0,
	"limits.max_header_bytes": 0,
	"limits.max_body_bytes":   0,
	"limits.max_conns":        0,

	"cors.enabled": false,

	"log.level":  "info",
	"log.format": "text",
}

// setDefaults configures default values on the viper instance.
func setDefaults(v *viper.Viper) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// DefaultYAML renders the default configuration as a YAML document,
// suitable for seeding a config file.
func DefaultYAML() ([]byte, error) {
	tree := map[string]any{}
	for key, val := range defaults {
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		parts := strings.Split(key, ".")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = val
	}
	return yaml.Marshal(tree)
}

// Load reads configuration and returns a validated Config struct.
// Order of precedence (highest to lowest): flags > env > config files > defaults
//
// Parameters:
//   - configFiles: list of config file paths (later files override earlier ones)
//   - flags: cobra flag set for flag binding (can be nil)
func Load(configFiles []string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	setDefaults(v)

	// 2. Read config files
	if len(configFiles) > 0 {
		v.SetConfigFile(configFiles[0])
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("error reading config file", "file", configFiles[0], "err", err)
		}

		for _, cf := range configFiles[1:] {
			v.SetConfigFile(cf)
			if err := v.MergeInConfig(); err != nil {
				slog.Warn("error merging config file", "file", cf, "err", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				slog.Warn("error reading config file", "err", err)
			}
		}
	}

	// 3. Bind environment variables
	v.SetEnvPrefix("EMBHTTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Bind flags (if provided)
	if flags != nil {
		bindFlags(v, flags)
	}

	// 5. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 6. Validate using go-playground/validator
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
