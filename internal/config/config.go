// Package config resolves kindstore settings from flags, the environment and
// an optional kindstore.yaml file.
//
// Precedence, highest first: command line flags, KINDSTORE_* environment
// variables, the config file, defaults. The file is looked up as
// ./kindstore.yaml and then $HOME/.kindstore/kindstore.yaml unless a path is
// given explicitly.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/kindstore/internal/repo"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KINDSTORE"

// Config holds the resolved settings.
type Config struct {
	Repository     string `mapstructure:"repository"`
	Backend        string `mapstructure:"backend" validate:"oneof=sqlite badger"`
	CacheSize      int    `mapstructure:"cache_size" validate:"gte=1"`
	ConflictPolicy string `mapstructure:"conflict_policy" validate:"policy"`
	ViewName       string `mapstructure:"view" validate:"required,viewname"`
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("policy", validatePolicy)
	_ = validate.RegisterValidation("viewname", validateViewName)
}

func validatePolicy(fl validator.FieldLevel) bool {
	_, err := repo.ParsePolicy(fl.Field().String())
	return err == nil
}

// validateViewName rejects names that cannot be recorded in a commit log line.
func validateViewName(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\n\r\t")
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"repo":       "repository",
	"backend":    "backend",
	"cache-size": "cache_size",
	"policy":     "conflict_policy",
	"view":       "view",
	"log-level":  "log_level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repository", "")
	v.SetDefault("backend", repo.BackendSQLite)
	v.SetDefault("cache_size", repo.DefaultCacheSize)
	v.SetDefault("conflict_policy", repo.LastCommitterWins{}.Name())
	v.SetDefault("view", "cli")
	v.SetDefault("log_level", "info")
}

// BindFlags binds the flags of fs that correspond to config keys. Flags not
// defined in fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration into v and validates it. An empty file means
// the default search paths, where a missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("kindstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kindstore")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings with the struct tags above.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s=%v fails %q", fe.Field(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireRepository fails when no repository directory is configured.
func (c *Config) RequireRepository() error {
	if c.Repository == "" {
		return fmt.Errorf("no repository: pass --repo or set %s_REPOSITORY", EnvPrefix)
	}
	return nil
}

// Options converts the settings to repository options.
func (c *Config) Options(logger *slog.Logger) ([]repo.Option, error) {
	policy, err := repo.ParsePolicy(c.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	return []repo.Option{
		repo.WithLogger(logger),
		repo.WithBackend(c.Backend),
		repo.WithCacheSize(c.CacheSize),
		repo.WithConflictPolicy(policy),
	}, nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
