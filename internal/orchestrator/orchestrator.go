// Package orchestrator runs the per-file pipeline: read, group, translate
// groups in bounded windows, and write the output only when every segment
// has a verified translation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/valpere/subtran/internal"
	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/reconcile"
	"github.com/valpere/subtran/internal/subtitle"
)

// GroupTranslator resolves one group, assigning translations on success.
// Consume releases a batch result once the group's file is written.
type GroupTranslator interface {
	Translate(ctx context.Context, g grouper.Group) (reconcile.Outcome, error)
	Consume(g grouper.Group) error
}

// Detector guesses the language of a file's segments.
type Detector interface {
	DetectSegments(segments []internal.Segment) (string, bool)
}

type OrchestratorConfig struct {
	SourceLang  string
	TargetLang  string
	TokenBudget int
	Grouping    grouper.Options
	// Concurrency is the number of groups in flight per window.
	Concurrency int
	// GroupTimeout bounds all attempts of a single group. Zero means none.
	GroupTimeout time.Duration
	OutputDir    string
	// Overwrite replaces existing output files instead of skipping the input.
	Overwrite bool
}

type Deps struct {
	// Translators returns the group translator for a source language.
	Translators func(sourceLang string) (GroupTranslator, error)
	Detector    Detector
	// Batch, when set, receives a Submit once every file has been visited.
	Batch  *batch.Manager
	Logger *zap.Logger
}

// FileStatus is the outcome of one input file.
type FileStatus string

const (
	StatusWritten FileStatus = "written"
	StatusQueued  FileStatus = "queued"
	StatusSkipped FileStatus = "skipped"
	StatusFailed  FileStatus = "failed"
)

type FileResult struct {
	Input      string
	Output     string
	SourceLang string
	Status     FileStatus
	Segments   int
	Groups     int
	Queued     int
	Failed     int
	Cached     int
	Err        error
}

// Summary aggregates a run.
type Summary struct {
	Files []FileResult
	// JobID is the batch job created at the end of the run, if any.
	JobID string
}

func (s Summary) Count(status FileStatus) int {
	n := 0
	for _, f := range s.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

type Orchestrator struct {
	config OrchestratorConfig
	deps   Deps
	logger *zap.Logger

	mu          sync.Mutex
	translators map[string]GroupTranslator
}

func New(config OrchestratorConfig, deps Deps) *Orchestrator {
	if config.Concurrency <= 0 {
		config.Concurrency = 10
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		config:      config,
		deps:        deps,
		logger:      logger.Named("orchestrator"),
		translators: make(map[string]GroupTranslator),
	}
}

// Run translates every file in order. A failing file is logged and the run
// moves on; the returned error joins all file failures and a failed batch
// submission.
func (o *Orchestrator) Run(ctx context.Context, files []string) (Summary, error) {
	var summary Summary
	var errs []error

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res := o.TranslateFile(ctx, path)
		summary.Files = append(summary.Files, res)
		if res.Err != nil {
			o.logFailure(res)
			errs = append(errs, fmt.Errorf("%s: %w", path, res.Err))
		}
	}

	if o.deps.Batch != nil && ctx.Err() == nil {
		jobID, err := o.deps.Batch.Submit(ctx)
		if err != nil {
			o.logger.Error("batch submission failed", zap.Error(err))
			errs = append(errs, err)
		} else if jobID != "" {
			summary.JobID = jobID
			o.logger.Info("batch job submitted", zap.String("job", jobID))
		}
	}

	return summary, errors.Join(errs...)
}

// TranslateFile runs the pipeline for one file. The output is written only
// when every segment is translated; otherwise nothing is written.
func (o *Orchestrator) TranslateFile(ctx context.Context, path string) FileResult {
	res := FileResult{Input: path, Output: o.outputPath(path), Status: StatusFailed}
	logger := o.logger.With(zap.String("file", path))

	if !o.config.Overwrite {
		if _, err := os.Stat(res.Output); err == nil {
			logger.Info("output exists, skipping", zap.String("output", res.Output))
			res.Status = StatusSkipped
			return res
		}
	}

	segments, err := subtitle.ReadFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Segments = len(segments)

	res.SourceLang = o.sourceLang(segments, logger)
	tr, err := o.translator(res.SourceLang)
	if err != nil {
		res.Err = err
		return res
	}

	groups := grouper.Split(segments, o.config.TokenBudget, o.config.Grouping)
	res.Groups = len(groups)
	logger.Info("translating",
		zap.Int("segments", len(segments)),
		zap.Int("groups", len(groups)),
		zap.String("source", res.SourceLang))

	outcomes, groupErrs := o.translateGroups(ctx, tr, groups)
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	for i := range groups {
		switch {
		case groupErrs[i] != nil:
			res.Failed++
		case outcomes[i].Queued:
			res.Queued++
		case outcomes[i].Cached:
			res.Cached++
		}
	}

	if res.Failed > 0 {
		res.Err = fmt.Errorf("%d of %d groups failed: %w", res.Failed, len(groups), errors.Join(groupErrs...))
		return res
	}
	if res.Queued > 0 {
		logger.Info("groups queued for batch translation", zap.Int("queued", res.Queued))
		res.Status = StatusQueued
		return res
	}
	if !internal.AllTranslated(segments) {
		res.Err = fmt.Errorf("%d of %d segments translated", internal.CountTranslated(segments), len(segments))
		return res
	}

	if err := subtitle.WriteFile(res.Output, segments); err != nil {
		res.Err = fmt.Errorf("write output: %w", err)
		return res
	}
	res.Status = StatusWritten
	logger.Info("translation written", zap.String("output", res.Output), zap.Int("cached_groups", res.Cached))

	for i, g := range groups {
		if !outcomes[i].Batched {
			continue
		}
		if err := tr.Consume(g); err != nil {
			logger.Warn("failed to release batch result", zap.Int("group", g.Index), zap.Error(err))
		}
	}
	return res
}

// translateGroups dispatches groups in windows of Concurrency and waits for
// each window to settle before starting the next. A failing group does not
// cancel its siblings.
func (o *Orchestrator) translateGroups(ctx context.Context, tr GroupTranslator, groups []grouper.Group) ([]reconcile.Outcome, []error) {
	outcomes := make([]reconcile.Outcome, len(groups))
	errs := make([]error, len(groups))

	for start := 0; start < len(groups); start += o.config.Concurrency {
		if ctx.Err() != nil {
			break
		}
		end := min(start+o.config.Concurrency, len(groups))

		var eg errgroup.Group
		for i := start; i < end; i++ {
			eg.Go(func() error {
				gctx := ctx
				if o.config.GroupTimeout > 0 {
					var cancel context.CancelFunc
					gctx, cancel = context.WithTimeout(ctx, o.config.GroupTimeout)
					defer cancel()
				}
				outcomes[i], errs[i] = tr.Translate(gctx, groups[i])
				return nil
			})
		}
		eg.Wait() //nolint:errcheck
	}

	return outcomes, errs
}

func (o *Orchestrator) sourceLang(segments []internal.Segment, logger *zap.Logger) string {
	lang := o.config.SourceLang
	if lang != "" && lang != "auto" {
		return lang
	}
	if o.deps.Detector != nil {
		if code, ok := o.deps.Detector.DetectSegments(segments); ok {
			logger.Debug("detected source language", zap.String("lang", code))
			return code
		}
		logger.Warn("could not detect source language")
	}
	return "auto"
}

func (o *Orchestrator) translator(lang string) (GroupTranslator, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if tr, ok := o.translators[lang]; ok {
		return tr, nil
	}
	if o.deps.Translators == nil {
		return nil, errors.New("no translator configured")
	}
	tr, err := o.deps.Translators(lang)
	if err != nil {
		return nil, fmt.Errorf("build translator for %s: %w", lang, err)
	}
	o.translators[lang] = tr
	return tr, nil
}

func (o *Orchestrator) outputPath(input string) string {
	out := subtitle.OutputPath(input, o.config.TargetLang)
	if o.config.OutputDir != "" {
		out = filepath.Join(o.config.OutputDir, filepath.Base(out))
	}
	return out
}

func (o *Orchestrator) logFailure(res FileResult) {
	fields := []zap.Field{zap.String("file", res.Input), zap.Error(res.Err)}

	var mismatch *reconcile.CountMismatchError
	if errors.As(res.Err, &mismatch) {
		fields = append(fields,
			zap.Int("group", mismatch.Group),
			zap.String("counts", fmt.Sprintf("%d/%d", mismatch.Got, mismatch.Want)))
	}
	var extractErr *subtitle.ExtractionError
	if errors.As(res.Err, &extractErr) {
		o.logger.Warn("skipping file without subtitles", fields...)
		return
	}
	o.logger.Error("file not translated", fields...)
}
