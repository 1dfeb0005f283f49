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
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/config"
	"github.com/valpere/subtran/internal/corpus"
	"github.com/valpere/subtran/internal/detector"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/orchestrator"
	"github.com/valpere/subtran/internal/reconcile"
	"github.com/valpere/subtran/internal/store"
	"github.com/valpere/subtran/internal/tokens"
	"github.com/valpere/subtran/internal/translator"
)

var (
	outputDir string
	overwrite bool
)

var translateCmd = &cobra.Command{
	Use:   "translate <file.srt>...",
	Short: "Translate subtitle files",
	Long: `Translate one or more SRT files into the target language.

Each input "movie.srt" produces "movie.<target>.srt" once every cue is
translated. Files whose output already exists are skipped unless
--overwrite is given. A failing file is reported and the run continues.

Engines:
  - openai   OpenAI or any compatible endpoint via --base-url (default)
  - ollama   local Ollama server
  - google   Google Cloud Translation

With --batch, groups are queued into one OpenAI batch job submitted at the
end of the run. Run the same command again (or "subtran batch watch") after
the job completes to write the files.

Example:
  subtran translate -t uk --batch season1/*.srt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		summary, err := p.run(ctx, args)
		printSummary(summary)
		return err
	},
}

// pipeline holds the resources shared by every file of a run.
type pipeline struct {
	cfg      *config.Config
	service  translator.TranslationService
	db       *store.Store
	batch    *batch.Manager
	corpus   *corpus.Corpus
	detector *detector.Detector
}

func newPipeline(c *config.Config) (*pipeline, error) {
	service, err := buildService(c)
	if err != nil {
		return nil, err
	}
	p := &pipeline{cfg: c, service: service}

	if !c.NoCache {
		if p.db, err = openStore(c); err != nil {
			return nil, err
		}
	}
	if c.Batch {
		if p.batch, err = openBatch(c, service); err != nil {
			p.Close()
			return nil, err
		}
	}
	if p.corpus, err = corpus.New(c.CorpusPath()); err != nil {
		p.Close()
		return nil, err
	}
	if c.SourceLang == "" || c.SourceLang == "auto" {
		p.detector = detector.New()
	}
	return p, nil
}

func (p *pipeline) Close() {
	if p.db != nil {
		p.db.Close()
	}
}

// translatorFor builds the retrying group translator for one source language.
func (p *pipeline) translatorFor(ctx context.Context) func(string) (orchestrator.GroupTranslator, error) {
	return func(sourceLang string) (orchestrator.GroupTranslator, error) {
		glossary := loadGlossary(ctx, p.db, sourceLang, p.cfg.TargetLang)
		opts := []translator.Option{translator.WithLogger(logger)}
		if p.batch != nil {
			opts = append(opts, translator.WithBatch(p.batch))
		}
		if p.db != nil {
			opts = append(opts, translator.WithMemory(p.db))
		}
		client := translator.NewClient(p.service, translator.ClientConfig{
			SourceLang: sourceLang,
			TargetLang: p.cfg.TargetLang,
			System:     translator.BuildSystemPrompt(sourceLang, p.cfg.TargetLang, glossary),
		}, opts...)

		return reconcile.New(client, reconcile.Options{
			MaxAttempts:  p.cfg.MaxAttempts,
			LogThreshold: p.cfg.LogThreshold,
			Corpus:       p.corpus,
			Logger:       logger,
		}), nil
	}
}

func (p *pipeline) run(ctx context.Context, files []string) (orchestrator.Summary, error) {
	deps := orchestrator.Deps{
		Translators: p.translatorFor(ctx),
		Batch:       p.batch,
		Logger:      logger,
	}
	if p.detector != nil {
		deps.Detector = p.detector
	}

	orch := orchestrator.New(orchestrator.OrchestratorConfig{
		SourceLang:  p.cfg.SourceLang,
		TargetLang:  p.cfg.TargetLang,
		TokenBudget: p.cfg.TokenBudget,
		Grouping: grouper.Options{
			Estimator:         tokens.NewEstimator(p.cfg.BytesPerToken),
			DelimiterOverhead: p.cfg.DelimiterOverhead,
		},
		Concurrency:  p.cfg.Concurrency,
		GroupTimeout: p.cfg.GroupTimeout,
		OutputDir:    outputDir,
		Overwrite:    overwrite,
	}, deps)

	if p.pendingJobs() > 0 {
		p.poll(ctx)
	}

	logger.Debug("starting run",
		zap.Int("files", len(files)),
		zap.String("engine", p.service.Name()),
		zap.Bool("batch", p.batch != nil))

	return orch.Run(ctx, files)
}

func (p *pipeline) pendingJobs() int {
	if p.batch == nil {
		return 0
	}
	return len(p.batch.PendingJobs())
}

// poll refreshes pending batch jobs so completed results are picked up by
// this run. Poll failures leave the jobs pending for the next run.
func (p *pipeline) poll(ctx context.Context) batch.PollReport {
	report, err := p.batch.Poll(ctx)
	if err != nil {
		logger.Warn("batch poll incomplete", zap.Error(err))
	}
	logger.Info("batch jobs polled",
		zap.Int("completed", report.Completed),
		zap.Int("dropped", report.Dropped),
		zap.Int("pending", report.Pending))
	return report
}

func printSummary(summary orchestrator.Summary) {
	if len(summary.Files) == 0 {
		return
	}
	rows := make([][]string, 0, len(summary.Files))
	for _, f := range summary.Files {
		detail := f.Output
		if f.Err != nil {
			detail = f.Err.Error()
		}
		rows = append(rows, []string{
			f.Input,
			string(f.Status),
			f.SourceLang,
			strconv.Itoa(f.Segments),
			strconv.Itoa(f.Groups),
			strconv.Itoa(f.Queued),
			strconv.Itoa(f.Failed),
			truncate(detail, 60),
		})
	}
	fmt.Println(renderTable(
		[]string{"File", "Status", "Source", "Cues", "Groups", "Queued", "Failed", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))

	fmt.Printf("Written: %d  Queued: %d  Skipped: %d  Failed: %d\n",
		summary.Count(orchestrator.StatusWritten),
		summary.Count(orchestrator.StatusQueued),
		summary.Count(orchestrator.StatusSkipped),
		summary.Count(orchestrator.StatusFailed))
	if summary.JobID != "" {
		fmt.Printf("Submitted batch job %s\n", summary.JobID)
	}
}

// addTranslateFlags registers the translation settings on cmd.
func addTranslateFlags(cmd *cobra.Command) {
	cmd.Flags().String("engine", "", "Translation engine: openai, ollama, google (default openai)")
	cmd.Flags().String("model", "", "Model name (default depends on the engine)")
	cmd.Flags().String("api-key", "", "API key for the openai engine")
	cmd.Flags().String("base-url", "", "Base URL of an OpenAI-compatible endpoint")
	cmd.Flags().String("ollama-url", "", "Ollama base URL")
	cmd.Flags().StringP("credentials", "c", "", "Path to Google Cloud credentials")
	cmd.Flags().StringP("source", "s", "", "Source language code, or auto (default auto)")
	cmd.Flags().StringP("target", "t", "", "Target language code (required)")
	cmd.Flags().Int("budget", 0, fmt.Sprintf("Token budget per group (default %d)", config.DefaultTokenBudget))
	cmd.Flags().Int("bytes-per-token", 0, "Bytes per token used by the estimator (default 4)")
	cmd.Flags().Int("delimiter-overhead", 0, "Estimated tokens added per cue by numbering (default 2)")
	cmd.Flags().Int("max-attempts", 0, fmt.Sprintf("Attempts per group before giving up (default %d)", config.DefaultMaxAttempts))
	cmd.Flags().Int("log-threshold", 0, fmt.Sprintf("Attempt after which mismatches are logged to the error corpus (default %d)", config.DefaultLogThreshold))
	cmd.Flags().Int("concurrency", 0, fmt.Sprintf("Groups translated concurrently per file (default %d)", config.DefaultConcurrency))
	cmd.Flags().Bool("batch", false, "Queue groups as an OpenAI batch job instead of translating synchronously")
	cmd.Flags().Bool("no-cache", false, "Disable the translation memory")
	cmd.Flags().Duration("timeout", 0, "HTTP timeout per request (default 2m)")
	cmd.Flags().Duration("group-timeout", 0, "Bound on all attempts of one group (0 for none)")
	cmd.Flags().Float64("temperature", 0, "Sampling temperature (default 0.2)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Write outputs here instead of next to the inputs")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing output files")
}

func init() {
	rootCmd.AddCommand(translateCmd)
	addTranslateFlags(translateCmd)
}
