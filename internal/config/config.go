// Package config loads run settings from defaults, an optional config file,
// a .env file and SUBTRAN_* environment variables, in increasing priority.
// Command-line flags bound by the caller take precedence over all of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

const (
	EnvPrefix = "SUBTRAN"

	DefaultEngine       = "openai"
	DefaultTokenBudget  = 1500
	DefaultMaxAttempts  = 5
	DefaultLogThreshold = 3
	DefaultConcurrency  = 10
	DefaultPollSchedule = "@every 1m"
)

// Engines lists the accepted values of the engine setting.
var Engines = []string{"openai", "ollama", "google"}

type Config struct {
	Engine            string        `mapstructure:"engine"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	OllamaURL         string        `mapstructure:"ollama_url"`
	GoogleCredentials string        `mapstructure:"google_credentials"`
	SourceLang        string        `mapstructure:"source_lang"`
	TargetLang        string        `mapstructure:"target_lang"`
	TokenBudget       int           `mapstructure:"token_budget"`
	BytesPerToken     int           `mapstructure:"bytes_per_token"`
	DelimiterOverhead int           `mapstructure:"delimiter_overhead"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	LogThreshold      int           `mapstructure:"log_threshold"`
	Concurrency       int           `mapstructure:"concurrency"`
	Batch             bool          `mapstructure:"batch"`
	NoCache           bool          `mapstructure:"no_cache"`
	DataDir           string        `mapstructure:"data_dir"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	Timeout           time.Duration `mapstructure:"timeout"`
	GroupTimeout      time.Duration `mapstructure:"group_timeout"`
	Temperature       float64       `mapstructure:"temperature"`
	PollSchedule      string        `mapstructure:"poll_schedule"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine", DefaultEngine)
	v.SetDefault("model", "")
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "")
	v.SetDefault("ollama_url", "http://localhost:11434")
	v.SetDefault("google_credentials", "")
	v.SetDefault("source_lang", "auto")
	v.SetDefault("target_lang", "")
	v.SetDefault("token_budget", DefaultTokenBudget)
	v.SetDefault("bytes_per_token", 4)
	v.SetDefault("delimiter_overhead", 2)
	v.SetDefault("max_attempts", DefaultMaxAttempts)
	v.SetDefault("log_threshold", DefaultLogThreshold)
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("batch", false)
	v.SetDefault("no_cache", false)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("timeout", 2*time.Minute)
	v.SetDefault("group_timeout", time.Duration(0))
	v.SetDefault("temperature", 0.2)
	v.SetDefault("poll_schedule", DefaultPollSchedule)
}

// Load reads the configuration. file may be empty, in which case
// subtran.{yaml,toml,json} is looked up in the working directory and the
// data directory. bind, if set, is called before reading so the caller can
// attach command-line flags.
func Load(file string, bind func(*viper.Viper) error) (*Config, error) {
	// a missing .env is not an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("subtran")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
	}
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
	return &cfg, nil
}

// Validate checks the settings needed to translate.
func (c *Config) Validate() error {
	var errs []error
	if c.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("token_budget must be positive, got %d", c.TokenBudget))
	}
	if c.BytesPerToken <= 0 {
		errs = append(errs, fmt.Errorf("bytes_per_token must be positive, got %d", c.BytesPerToken))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.LogThreshold < 1 {
		errs = append(errs, fmt.Errorf("log_threshold must be at least 1, got %d", c.LogThreshold))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if !validEngine(c.Engine) {
		errs = append(errs, fmt.Errorf("engine must be one of %s, got %q", strings.Join(Engines, ", "), c.Engine))
	}
	if c.Batch && c.Engine != "openai" {
		errs = append(errs, fmt.Errorf("batch mode requires the openai engine, got %q", c.Engine))
	}
	if c.TargetLang == "" {
		errs = append(errs, errors.New("target_lang is required"))
	} else if _, err := language.Parse(c.TargetLang); err != nil {
		errs = append(errs, fmt.Errorf("target_lang %q: %w", c.TargetLang, err))
	}
	if c.SourceLang != "" && c.SourceLang != "auto" {
		if _, err := language.Parse(c.SourceLang); err != nil {
			errs = append(errs, fmt.Errorf("source_lang %q: %w", c.SourceLang, err))
		}
	}
	return errors.Join(errs...)
}

// DBPath is the translation memory database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "subtran.db")
}

// BatchStorePath is the durable batch job store.
func (c *Config) BatchStorePath() string {
	return filepath.Join(c.DataDir, "batch_jobs.json")
}

// CorpusPath is the error corpus of persistently mismatched groups.
func (c *Config) CorpusPath() string {
	return filepath.Join(c.DataDir, "errors.jsonl")
}

func validEngine(name string) bool {
	for _, e := range Engines {
		if e == name {
			return true
		}
	}
	return false
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "subtran")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".subtran"
	}
	return filepath.Join(home, ".local", "share", "subtran")
}
