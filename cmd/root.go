/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/valpere/subtran/internal/config"
	"github.com/valpere/subtran/internal/logging"
)

var version = "0.3.0"

var (
	configFile string

	cfg    *config.Config
	logger *zap.Logger
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"engine":             "engine",
	"model":              "model",
	"api-key":            "api_key",
	"base-url":           "base_url",
	"ollama-url":         "ollama_url",
	"credentials":        "google_credentials",
	"source":             "source_lang",
	"target":             "target_lang",
	"budget":             "token_budget",
	"bytes-per-token":    "bytes_per_token",
	"delimiter-overhead": "delimiter_overhead",
	"max-attempts":       "max_attempts",
	"log-threshold":      "log_threshold",
	"concurrency":        "concurrency",
	"batch":              "batch",
	"no-cache":           "no_cache",
	"data-dir":           "data_dir",
	"log-level":          "log_level",
	"log-format":         "log_format",
	"timeout":            "timeout",
	"group-timeout":      "group_timeout",
	"temperature":        "temperature",
	"schedule":           "poll_schedule",
}

var rootCmd = &cobra.Command{
	Use:   "subtran",
	Short: "LLM subtitle translator",
	Long: `Translate SRT subtitle files with a language model.

Subtitle cues are packed into token-bounded groups and sent as numbered
lines. A reply is accepted only when it has exactly one line per cue;
otherwise the whole group is retried. A file is written only once every
cue has a verified translation.

Groups can be translated synchronously or queued as an OpenAI batch job
("translate --batch", then "batch watch").

Settings come from flags, SUBTRAN_* environment variables, a .env file
and an optional subtran.yaml, in that order of precedence.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile, func(v *viper.Viper) error {
			return bindFlags(cmd, v)
		})
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync() //nolint:errcheck
		}
	},
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.InheritedFlags().Lookup(name)
		}
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: subtran.yaml in . or the data directory)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for the translation memory, batch store and error corpus")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")
}
