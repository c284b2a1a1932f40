package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PPIGRAPH"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
	// APIToken enables bearer auth on /api routes when set.
	APIToken string `mapstructure:"api_token"`
}

type StorageConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=sqlite postgres files"`
	DataDir     string `mapstructure:"data_dir" validate:"required"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	CacheDir    string `mapstructure:"cache_dir"`
}

type PipelineConfig struct {
	OutputDir        string        `mapstructure:"output_dir"`
	RunnerCmd        string        `mapstructure:"runner_cmd"`
	ValidatorCmd     string        `mapstructure:"validator_cmd"`
	FactCheckerCmd   string        `mapstructure:"factchecker_cmd"`
	PMIDCmd          string        `mapstructure:"pmid_cmd"`
	VisualizerCmd    string        `mapstructure:"visualizer_cmd"`
	InteractorRounds int           `mapstructure:"interactor_rounds" validate:"min=3,max=10"`
	FunctionRounds   int           `mapstructure:"function_rounds" validate:"min=3,max=10"`
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"min=10ms"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4100)
	v.SetDefault("server.api_token", "")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", defaultDataDir())
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.cache_dir", "")
	v.SetDefault("pipeline.output_dir", "")
	v.SetDefault("pipeline.runner_cmd", "")
	v.SetDefault("pipeline.validator_cmd", "")
	v.SetDefault("pipeline.factchecker_cmd", "")
	v.SetDefault("pipeline.pmid_cmd", "")
	v.SetDefault("pipeline.visualizer_cmd", "")
	v.SetDefault("pipeline.interactor_rounds", 3)
	v.SetDefault("pipeline.function_rounds", 3)
	v.SetDefault("pipeline.poll_interval", "500ms")
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, the YAML file at path (DefaultPath
// when empty), a .env file in the working directory, and PPIGRAPH_*
// environment variables, in increasing order of precedence.
func Load(path string) (Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return Config{}, fmt.Errorf("config file %s not found", path)
			}
		default:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Storage.CacheDir == "" {
		cfg.Storage.CacheDir = filepath.Join(cfg.Storage.DataDir, "cache")
	}
	if cfg.Pipeline.OutputDir == "" {
		cfg.Pipeline.OutputDir = filepath.Join(cfg.Storage.DataDir, "output")
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg and reports every failing field.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s' (value: '%v')", e.StructNamespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// DefaultPath returns $XDG_CONFIG_HOME/ppigraph/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "ppigraph", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "ppigraph-data"
		}
	}
	return filepath.Join(dir, "ppigraph")
}
