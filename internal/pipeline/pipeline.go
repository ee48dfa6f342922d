// Package pipeline turns a question into rows: generate a query, execute it,
// and on a malformed query regenerate with the engine's error as feedback.
//
// States:
//
//	Generating -> Executing -> Done
//	Executing (malformed, attempts remain) -> Regenerating -> Executing
//	Executing (other error, or attempts exhausted) -> Failed
//	any step (cancel observed) -> Cancelled
//
// The cancellation checkpoint is consulted before every generation call,
// including retries, and before every execution.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/llm"
	"github.com/billie-coop/askdata/internal/metrics"
	"github.com/billie-coop/askdata/internal/registry"
	"github.com/billie-coop/askdata/internal/retry"
)

var (
	// ErrGenerationUnavailable means every generation call in one step failed.
	ErrGenerationUnavailable = errors.New("query generation unavailable")

	// ErrCorrectionExhausted means every attempt produced a malformed query.
	ErrCorrectionExhausted = errors.New("query correction attempts exhausted")
)

// Generator produces query text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Engine executes queries and describes its data.
type Engine interface {
	Execute(ctx context.Context, query string) (dataset.Rows, error)
	Schema() dataset.Schema
}

// Checkpoint reports whether the request must stop.
type Checkpoint interface {
	Cancelled() bool
}

// Config bounds the pipeline's retries.
type Config struct {
	MaxQueryAttempts     int
	MaxGenerationRetries int
	GenerationBackoff    time.Duration
}

// Result is a successful run.
type Result struct {
	Query    string
	Rows     dataset.Rows
	Attempts int
}

// Attempt describes one finished generate and execute cycle.
type Attempt struct {
	Number     int
	Query      string
	Err        error
	Checkpoint Checkpoint
}

// Pipeline runs the generate and execute loop.
//
// Used by: bot.HandleDelivery (inside an admission slot)
type Pipeline struct {
	cfg       Config
	generator Generator
	engine    Engine
	wait      retry.WaitFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onAttempt func(Attempt)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWait replaces the backoff wait. Tests use it to skip sleeping.
func WithWait(w retry.WaitFunc) Option {
	return func(p *Pipeline) { p.wait = w }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// OnAttempt sets a callback run after each execution attempt.
func OnAttempt(fn func(Attempt)) Option {
	return func(p *Pipeline) { p.onAttempt = fn }
}

// New creates a pipeline. Non-positive limits fall back to one attempt.
func New(cfg Config, generator Generator, engine Engine, opts ...Option) *Pipeline {
	if cfg.MaxQueryAttempts < 1 {
		cfg.MaxQueryAttempts = 1
	}
	if cfg.MaxGenerationRetries < 1 {
		cfg.MaxGenerationRetries = 1
	}
	p := &Pipeline{
		cfg:       cfg,
		generator: generator,
		engine:    engine,
		wait:      retry.Sleep,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run answers question. Errors are ErrGenerationUnavailable,
// ErrCorrectionExhausted (wrapping the last dataset.ErrMalformedQuery),
// dataset.ErrEngine, registry.ErrCancelled or a context error.
func (p *Pipeline) Run(ctx context.Context, question string, cp Checkpoint) (Result, error) {
	schema := p.engine.Schema().String()
	prompt := llm.SQLPrompt(schema, question)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxQueryAttempts; attempt++ {
		log := p.logger.With(zap.Int("attempt", attempt))

		query, err := p.generate(ctx, prompt, cp, log)
		if err != nil {
			return Result{}, err
		}

		if cp.Cancelled() {
			return Result{}, registry.ErrCancelled
		}
		rows, err := p.engine.Execute(ctx, query)
		p.notify(Attempt{Number: attempt, Query: query, Err: err, Checkpoint: cp})
		if err == nil {
			p.metrics.RecordQueryAttempts(attempt)
			log.Debug("query executed", zap.String("query", query), zap.Int("rows", rows.Len()))
			return Result{Query: query, Rows: rows, Attempts: attempt}, nil
		}

		if !errors.Is(err, dataset.ErrMalformedQuery) {
			p.metrics.RecordQueryAttempts(attempt)
			log.Warn("query failed", zap.String("query", query), zap.Error(err))
			return Result{}, err
		}

		log.Info("malformed query, regenerating", zap.String("query", query), zap.Error(err))
		lastErr = err
		prompt = llm.FeedbackPrompt(schema, question, query, err.Error())
	}

	p.metrics.RecordQueryAttempts(p.cfg.MaxQueryAttempts)
	return Result{}, fmt.Errorf("%w after %d attempts: %w", ErrCorrectionExhausted, p.cfg.MaxQueryAttempts, lastErr)
}

// generate calls the generator up to MaxGenerationRetries times, waiting
// GenerationBackoff*k before call k+1.
func (p *Pipeline) generate(ctx context.Context, prompt string, cp Checkpoint, log *zap.Logger) (string, error) {
	var lastErr error
	for call := 1; call <= p.cfg.MaxGenerationRetries; call++ {
		if cp.Cancelled() {
			return "", registry.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		raw, err := p.generator.Generate(ctx, prompt)
		if err == nil {
			if query := Sanitize(raw); query != "" {
				return query, nil
			}
			err = errors.New("generator returned no query")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		lastErr = err
		log.Warn("generation failed", zap.Int("call", call), zap.Error(err))
		if call == p.cfg.MaxGenerationRetries {
			break
		}
		if err := p.wait(ctx, retry.Linear(p.cfg.GenerationBackoff, call)); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, lastErr)
}

func (p *Pipeline) notify(a Attempt) {
	if p.onAttempt != nil {
		p.onAttempt(a)
	}
}

// Sanitize strips code fences, surrounding whitespace and trailing
// semicolons from generated query text.
func Sanitize(raw string) string {
	q := llm.StripFences(raw)
	for {
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(q), ";"))
		if trimmed == q {
			return q
		}
		q = trimmed
	}
}
