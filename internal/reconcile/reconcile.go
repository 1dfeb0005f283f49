// Package reconcile verifies that a translated group has exactly one line
// per source segment and drives the bounded retry loop around the client.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/valpere/subtran/internal/corpus"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/translator"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLogThreshold = 3
)

// CountMismatchError reports a translation whose line count differs from the
// number of segments in the group.
type CountMismatchError struct {
	Group int
	Got   int
	Want  int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("group %d: line count mismatch %d/%d", e.Group, e.Got, e.Want)
}

// Client is the part of translator.Client the reconciler drives.
type Client interface {
	System() string
	TranslateGroup(ctx context.Context, g grouper.Group, attempt int) (translator.Reply, error)
	Accept(ctx context.Context, g grouper.Group, reply translator.Reply) error
	Reject(ctx context.Context, g grouper.Group) error
	Consume(g grouper.Group) error
}

// Outcome describes how a group resolved.
type Outcome struct {
	// Queued is set when the group waits for a batch job; nothing was assigned.
	Queued   bool
	Attempts int
	Cached   bool
	// Batched is set when the accepted text came from a stored batch job
	// that must be consumed once the output is written.
	Batched bool
}

// Options configures a Reconciler. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	// LogThreshold is the attempt number after which mismatched exchanges
	// are appended to the corpus.
	LogThreshold int
	Corpus       *corpus.Corpus
	Logger       *zap.Logger
}

type Reconciler struct {
	client       Client
	maxAttempts  int
	logThreshold int
	corpus       *corpus.Corpus
	logger       *zap.Logger
}

func New(client Client, opts Options) *Reconciler {
	r := &Reconciler{
		client:       client,
		maxAttempts:  opts.MaxAttempts,
		logThreshold: opts.LogThreshold,
		corpus:       opts.Corpus,
		logger:       opts.Logger,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.logThreshold <= 0 {
		r.logThreshold = DefaultLogThreshold
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("reconcile")
	return r
}

// Apply parses raw and assigns one line to each segment of the group in
// order. On a count mismatch no segment is modified.
func (r *Reconciler) Apply(g grouper.Group, raw string) error {
	lines := translator.Parse(raw)
	if len(lines) != g.Len() {
		return &CountMismatchError{Group: g.Index, Got: len(lines), Want: g.Len()}
	}
	for i, seg := range g.Segments {
		seg.SetTranslation(lines[i])
	}
	return nil
}

// Translate obtains a translation for the group, retrying until the line
// count matches or the attempts run out.
func (r *Reconciler) Translate(ctx context.Context, g grouper.Group) (Outcome, error) {
	var (
		lastMismatch *CountMismatchError
		lastErr      error
	)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1}, err
		}

		reply, err := r.client.TranslateGroup(ctx, g, attempt)
		// a stored batch result may belong to a later attempt of an earlier run
		if reply.Attempt > attempt {
			attempt = reply.Attempt
		}
		if err != nil {
			var endpointErr *translator.EndpointError
			if !errors.As(err, &endpointErr) {
				return Outcome{Attempts: attempt}, err
			}
			r.logger.Warn("endpoint error",
				zap.Int("group", g.Index),
				zap.Int("attempt", attempt),
				zap.Error(err))
			lastErr = err
			continue
		}
		if reply.Queued {
			return Outcome{Queued: true, Attempts: attempt}, nil
		}

		err = r.Apply(g, reply.Text)
		if err == nil {
			if err := r.client.Accept(ctx, g, reply); err != nil {
				return Outcome{Attempts: attempt}, err
			}
			return Outcome{Attempts: attempt, Cached: reply.Cached, Batched: reply.Batched}, nil
		}

		var mismatch *CountMismatchError
		if !errors.As(err, &mismatch) {
			return Outcome{Attempts: attempt}, err
		}
		lastMismatch = mismatch
		r.logger.Info("line count mismatch",
			zap.Int("group", g.Index),
			zap.Int("attempt", attempt),
			zap.Int("got", mismatch.Got),
			zap.Int("want", mismatch.Want))

		if attempt > r.logThreshold {
			r.record(g, reply.Text, attempt)
		}
		if err := r.client.Reject(ctx, g); err != nil {
			return Outcome{Attempts: attempt}, fmt.Errorf("reject group %d: %w", g.Index, err)
		}
	}

	if lastMismatch != nil {
		return Outcome{Attempts: r.maxAttempts}, lastMismatch
	}
	if lastErr != nil {
		return Outcome{Attempts: r.maxAttempts}, fmt.Errorf("group %d: attempts exhausted: %w", g.Index, lastErr)
	}
	return Outcome{Attempts: r.maxAttempts}, fmt.Errorf("group %d: attempts exhausted", g.Index)
}

// Consume releases the stored batch result of an accepted group.
func (r *Reconciler) Consume(g grouper.Group) error {
	return r.client.Consume(g)
}

func (r *Reconciler) record(g grouper.Group, output string, attempt int) {
	if r.corpus == nil {
		return
	}
	rec := corpus.Record{
		System:  r.client.System(),
		Input:   translator.Render(g.Contents()),
		Output:  output,
		Attempt: attempt,
	}
	if err := r.corpus.Append(rec); err != nil {
		r.logger.Warn("failed to append to error corpus", zap.Error(err))
	}
}
