// Package config loads veil settings from defaults, an optional YAML file,
// VEIL_* environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/veil/internal/catalog"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/redact"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	FacesDir string         `mapstructure:"faces_dir"`
	Workers  int            `mapstructure:"workers"`
	Redact   RedactConfig   `mapstructure:"redact"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// RedactConfig holds the per-image redaction parameters.
type RedactConfig struct {
	MinFaceSize        int     `mapstructure:"min_face_size"`
	DetectorConfidence float64 `mapstructure:"detector_confidence"`
	MatchThreshold     float64 `mapstructure:"threshold"`
	BlurKernel         int     `mapstructure:"blur_kernel"`
	BlurSigma          float64 `mapstructure:"blur_sigma"`
	Style              string  `mapstructure:"style"`
	Strength           int     `mapstructure:"strength"`
	Mode               string  `mapstructure:"mode"`
	AnchorIoU          float64 `mapstructure:"anchor_iou"`
	MaxImageSize       int     `mapstructure:"max_image_size"`
}

// EngineConfig describes the model engine child process.
type EngineConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig points at the optional pgvector catalog. An empty URL means
// no catalog is configured.
type DatabaseConfig struct {
	URL       string `mapstructure:"url"`
	Dimension int    `mapstructure:"dimension"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	rd := redact.DefaultConfig()
	ed := engine.DefaultConfig()

	v.SetDefault("faces_dir", "faces")
	v.SetDefault("workers", 4)

	v.SetDefault("redact.min_face_size", rd.MinFaceSize)
	v.SetDefault("redact.detector_confidence", rd.DetectorConfidence)
	v.SetDefault("redact.threshold", rd.MatchThreshold)
	v.SetDefault("redact.blur_kernel", rd.BlurKernel)
	v.SetDefault("redact.blur_sigma", rd.BlurSigma)
	v.SetDefault("redact.style", string(rd.Style))
	v.SetDefault("redact.strength", rd.Strength)
	v.SetDefault("redact.mode", string(rd.Mode))
	v.SetDefault("redact.anchor_iou", rd.AnchorIoU)
	v.SetDefault("redact.max_image_size", rd.MaxImageSize)

	v.SetDefault("engine.command", ed.Command)
	v.SetDefault("engine.args", ed.Args)
	v.SetDefault("engine.timeout", ed.ReadTimeout)

	v.SetDefault("database.url", "")
	v.SetDefault("database.dimension", catalog.DefaultDimension)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from path (optional), the environment and the
// flags named in bind (config key -> flag name). A flag only wins when the
// user set it explicitly.
func Load(path string, flags *pflag.FlagSet, bind map[string]string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VEIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(err, errs.CodeConfigInvalid, "failed to read config file", errs.FieldPath(path))
		}
	}

	if flags != nil {
		for key, name := range bind {
			f := flags.Lookup(name)
			if f == nil {
				return nil, errs.Errorf(errs.CodeConfigInvalid, "config: unknown flag %q bound to %s", name, key)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errs.Wrap(err, errs.CodeConfigInvalid, "failed to bind flag", errs.Field("flag", name))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigInvalid, "failed to decode config")
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = postgresFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// postgresFromEnv assembles a connection string from the POSTGRES_* variables
// docker-compose setups provide. It returns "" when POSTGRES_HOST is unset.
func postgresFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var all []error

	if c.FacesDir == "" {
		all = append(all, errs.New(errs.CodeConfigInvalid, "config: faces_dir must not be empty"))
	}
	if c.Workers < 1 {
		all = append(all, errs.Errorf(errs.CodeConfigInvalid, "config: workers must be at least 1, got %d", c.Workers))
	}
	if c.Engine.Command == "" {
		all = append(all, errs.New(errs.CodeConfigInvalid, "config: engine.command must not be empty"))
	}
	if c.Engine.Timeout < 0 {
		all = append(all, errs.Errorf(errs.CodeConfigInvalid, "config: engine.timeout must not be negative, got %s", c.Engine.Timeout))
	}
	if c.Database.Dimension < 1 {
		all = append(all, errs.Errorf(errs.CodeConfigInvalid, "config: database.dimension must be positive, got %d", c.Database.Dimension))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		all = append(all, errs.Wrap(err, errs.CodeConfigInvalid, "config: log.level"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "text", "json":
	default:
		all = append(all, errs.Errorf(errs.CodeConfigInvalid, "config: log.format must be console or json, got %q", c.Log.Format))
	}

	if _, err := c.RedactConfig(); err != nil {
		all = append(all, err)
	}

	return errors.Join(all...)
}

// RedactConfig converts the redact section into the engine's typed config.
func (c *Config) RedactConfig() (redact.Config, error) {
	style, err := imaging.ParseStyle(c.Redact.Style)
	if err != nil {
		return redact.Config{}, errs.Wrap(err, errs.CodeConfigInvalid, "config: redact.style")
	}
	mode, err := redact.ParseMode(c.Redact.Mode)
	if err != nil {
		return redact.Config{}, errs.Wrap(err, errs.CodeConfigInvalid, "config: redact.mode")
	}
	rc := redact.Config{
		MinFaceSize:        c.Redact.MinFaceSize,
		DetectorConfidence: c.Redact.DetectorConfidence,
		MatchThreshold:     c.Redact.MatchThreshold,
		BlurKernel:         c.Redact.BlurKernel,
		BlurSigma:          c.Redact.BlurSigma,
		Style:              style,
		Strength:           c.Redact.Strength,
		Mode:               mode,
		AnchorIoU:          c.Redact.AnchorIoU,
		MaxImageSize:       c.Redact.MaxImageSize,
	}
	if err := rc.Validate(); err != nil {
		return redact.Config{}, err
	}
	return rc, nil
}

// EngineConfig returns the launch parameters for the Python engine.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Command:     c.Engine.Command,
		Args:        c.Engine.Args,
		ReadTimeout: c.Engine.Timeout,
	}
}

// LoggingOptions returns the logger settings.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}
