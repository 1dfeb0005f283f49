package translator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/postprocess"
)

// Memory is a cache of verified group translations.
type Memory interface {
	GetCachedTranslation(ctx context.Context, sourceText, sourceLang, targetLang string) (string, bool, error)
	SaveToMemory(ctx context.Context, sourceText, sourceLang, targetLang, finalText, serviceUsed string) error
}

// Reply is the outcome of one TranslateGroup call.
type Reply struct {
	Text string
	// Queued is set when the request waits in the batch queue.
	Queued bool
	// Attempt is the attempt number that produced Text. In batch mode it may
	// come from an earlier run.
	Attempt int
	Cached  bool
	// Batched is set when Text comes from a stored batch job. The request
	// stays in the job store until Consume.
	Batched bool
}

type ClientConfig struct {
	SourceLang string
	TargetLang string
	System     string
}

// Client renders groups into numbered prompts and obtains raw translations,
// either directly from a TranslationService or through the batch queue.
// It never modifies segments.
type Client struct {
	service TranslationService
	batch   *batch.Manager
	memory  Memory
	cfg     ClientConfig
	logger  *zap.Logger
}

type Option func(*Client)

// WithBatch switches the client to asynchronous batch mode.
func WithBatch(m *batch.Manager) Option {
	return func(c *Client) {
		c.batch = m
	}
}

func WithMemory(m Memory) Option {
	return func(c *Client) {
		c.memory = m
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(service TranslationService, cfg ClientConfig, opts ...Option) *Client {
	c := &Client{
		service: service,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.System == "" {
		c.cfg.System = BuildSystemPrompt(cfg.SourceLang, cfg.TargetLang, nil)
	}
	c.logger = c.logger.Named("translator")
	return c
}

// System returns the system instruction sent with every request.
func (c *Client) System() string {
	return c.cfg.System
}

// Batched reports whether requests go through the batch queue.
func (c *Client) Batched() bool {
	return c.batch != nil
}

func (c *Client) serviceName() string {
	if c.batch != nil {
		return "batch"
	}
	if c.service == nil {
		return "none"
	}
	return c.service.Name()
}

// TranslateGroup returns the raw translation of the group's numbered text.
// Failures of the endpoint are reported as *EndpointError.
func (c *Client) TranslateGroup(ctx context.Context, g grouper.Group, attempt int) (Reply, error) {
	text := Render(g.Contents())

	if attempt <= 1 && c.memory != nil {
		cached, found, err := c.memory.GetCachedTranslation(ctx, text, c.cfg.SourceLang, c.cfg.TargetLang)
		if err != nil {
			c.logger.Warn("translation memory lookup failed", zap.Int("group", g.Index), zap.Error(err))
		} else if found {
			return Reply{Text: cached, Attempt: attempt, Cached: true}, nil
		}
	}

	if c.batch != nil {
		return c.translateBatched(g, text, attempt)
	}
	return c.translateSync(ctx, g, text, attempt)
}

func (c *Client) translateSync(ctx context.Context, g grouper.Group, text string, attempt int) (Reply, error) {
	if c.service == nil {
		return Reply{}, errors.New("no translation service configured")
	}

	res, err := c.service.Translate(ctx, TranslateRequest{
		Text:       text,
		System:     c.cfg.System,
		SourceLang: c.cfg.SourceLang,
		TargetLang: c.cfg.TargetLang,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reply{}, ctxErr
		}
		return Reply{}, &EndpointError{Service: c.service.Name(), Err: err}
	}
	if res.FinishReason != FinishStop {
		return Reply{}, &EndpointError{Service: c.service.Name(), FinishReason: res.FinishReason}
	}

	c.logger.Debug("group translated",
		zap.Int("group", g.Index),
		zap.Int("attempt", attempt),
		zap.Duration("latency", res.Latency))

	return Reply{Text: res.TranslatedText, Attempt: attempt}, nil
}

func (c *Client) translateBatched(g grouper.Group, text string, attempt int) (Reply, error) {
	req, resolved := c.batch.Ensure(text, c.cfg.System, attempt)
	if !resolved {
		return Reply{Queued: true, Attempt: req.Attempt}, nil
	}
	if req.Result == nil {
		// the failed result must not be served again
		if err := c.batch.Discard(text, c.cfg.System); err != nil {
			return Reply{}, err
		}
		return Reply{Attempt: req.Attempt}, &EndpointError{Service: "batch", Err: errors.New(req.Error)}
	}
	c.logger.Debug("batch result found", zap.Int("group", g.Index), zap.Int("attempt", req.Attempt))
	return Reply{Text: postprocess.Clean(*req.Result), Attempt: req.Attempt, Batched: true}, nil
}

// Accept records a verified translation in translation memory. Replies
// served from memory are not written back.
func (c *Client) Accept(ctx context.Context, g grouper.Group, reply Reply) error {
	if reply.Cached || c.memory == nil {
		return nil
	}
	text := Render(g.Contents())
	if err := c.memory.SaveToMemory(ctx, text, c.cfg.SourceLang, c.cfg.TargetLang, reply.Text, c.serviceName()); err != nil {
		c.logger.Warn("failed to save translation memory", zap.Int("group", g.Index), zap.Error(err))
	}
	return nil
}

// Consume removes the stored batch result of an accepted group. Callers
// invoke it once the result has been persisted elsewhere, so that a result
// is never paid for twice.
func (c *Client) Consume(g grouper.Group) error {
	if c.batch == nil {
		return nil
	}
	if err := c.batch.Consume(Render(g.Contents()), c.cfg.System); err != nil {
		return fmt.Errorf("consume batch request: %w", err)
	}
	return nil
}

// Reject forgets a translation that failed verification so the next attempt
// asks again instead of reusing it.
func (c *Client) Reject(ctx context.Context, g grouper.Group) error {
	if c.batch == nil {
		return nil
	}
	return c.batch.Discard(Render(g.Contents()), c.cfg.System)
}
