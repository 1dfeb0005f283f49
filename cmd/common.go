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
	"context"
	"fmt"
	"os"

	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/config"
	"github.com/valpere/subtran/internal/store"
	"github.com/valpere/subtran/internal/translator"
)

// buildService constructs the translation engine selected in the config.
func buildService(c *config.Config) (translator.TranslationService, error) {
	sampling := translator.DefaultSampling
	sampling.Temperature = float32(c.Temperature)

	switch c.Engine {
	case "openai":
		apiKey := c.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai engine requires an API key (--api-key, SUBTRAN_API_KEY or OPENAI_API_KEY)")
		}
		return translator.NewOpenAIService(apiKey, c.BaseURL, c.Model, sampling, c.Timeout), nil
	case "ollama":
		return translator.NewOllamaTranslator(c.OllamaURL, c.Model, sampling), nil
	case "google":
		return translator.NewGoogleService(c.GoogleCredentials), nil
	default:
		return nil, fmt.Errorf("unknown engine: %s", c.Engine)
	}
}

// openBatch opens the durable job store on top of the OpenAI Batch API.
func openBatch(c *config.Config, service translator.TranslationService) (*batch.Manager, error) {
	remote, ok := service.(batch.Remote)
	if !ok {
		return nil, fmt.Errorf("engine %s does not support batch jobs", service.Name())
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return batch.Open(c.BatchStorePath(), remote, logger)
}

func openStore(c *config.Config) (*store.Store, error) {
	db, err := store.Open(c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// loadGlossary returns the glossary terms for a language pair. Lookup
// failures degrade to an empty glossary.
func loadGlossary(ctx context.Context, db *store.Store, sourceLang, targetLang string) map[string]string {
	if db == nil {
		return nil
	}
	terms, err := db.GetGlossaryTerms(ctx, sourceLang, targetLang)
	if err != nil {
		logger.Sugar().Warnf("glossary lookup failed: %v", err)
		return nil
	}
	return terms
}
