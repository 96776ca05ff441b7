// Package pipeline turns a natural-language question into a validated SQL
// statement and its result rows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/nl2sql"
	"github.com/heartql/heartql/internal/observability"
	"github.com/heartql/heartql/internal/query"
	"github.com/heartql/heartql/internal/schema"
	"github.com/heartql/heartql/internal/sqlguard"
)

const (
	DefaultModelTimeout      = 30 * time.Second
	DefaultMaxQuestionLength = 2000
)

type Options struct {
	ModelTimeout      time.Duration
	MaxQuestionLength int
	// RowLimit caps returned rows; zero leaves the engine default.
	RowLimit int
	Dialect  string
}

// Answer is a completed request.
type Answer struct {
	Question  string
	SQL       string
	Columns   []string
	Rows      [][]any
	Truncated bool
	Provider  string
	Model     string
	Duration  time.Duration
}

// Translation is a validated statement that was not executed.
type Translation struct {
	Question string
	SQL      string
	Provider string
	Model    string
	Duration time.Duration
}

type Coordinator struct {
	model  nl2sql.Model
	engine query.Engine
	schema *schema.Context
	logger *slog.Logger
	opts   Options
}

func New(model nl2sql.Model, engine query.Engine, schemaContext *schema.Context, logger *slog.Logger, opts Options) (*Coordinator, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if schemaContext == nil {
		return nil, fmt.Errorf("schema context is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	if opts.MaxQuestionLength <= 0 {
		opts.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if opts.Dialect == "" {
		opts.Dialect = config.DriverSQLite
	}
	return &Coordinator{model: model, engine: engine, schema: schemaContext, logger: logger, opts: opts}, nil
}

func (c *Coordinator) Schema() *schema.Context {
	return c.schema
}

func (c *Coordinator) ModelName() string {
	return c.model.Name()
}

// run tracks stage timings of one request.
type run struct {
	start      time.Time
	stageStart time.Time
	stage      Stage
}

func newRun() *run {
	now := time.Now()
	return &run{start: now, stageStart: now, stage: StageReceived}
}

func (r *run) advance(stage Stage) {
	now := time.Now()
	observability.ObservePipelineStage(string(stage), now.Sub(r.stageStart))
	r.stage = stage
	r.stageStart = now
}

// Answer runs every stage: prompt, model, extraction, validation and
// execution. The first failing stage ends the request with an *Error.
func (c *Coordinator) Answer(ctx context.Context, question string) (Answer, error) {
	r := newRun()
	sqlText, completion, failure := c.translate(ctx, r, question)
	if failure != nil {
		return Answer{}, c.fail(ctx, r, failure)
	}

	result, err := c.engine.Execute(ctx, query.Request{SQL: sqlText, RowLimit: c.opts.RowLimit})
	if err != nil {
		return Answer{}, c.fail(ctx, r, c.executionError(sqlText, err))
	}
	r.advance(StageExecuted)
	observability.ObserveRowsReturned(len(result.Rows))

	r.advance(StageCompleted)
	elapsed := time.Since(r.start)
	observability.ObservePipelineOutcome("ok", elapsed)
	c.logger.InfoContext(ctx, "pipeline_completed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("provider", completion.Provider),
		slog.String("sql", sqlText),
		slog.Int("rows", len(result.Rows)),
		slog.Bool("truncated", result.Truncated),
		slog.String("duration", elapsed.String()),
	)

	return Answer{
		Question:  strings.TrimSpace(question),
		SQL:       sqlText,
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Provider:  completion.Provider,
		Model:     completion.Model,
		Duration:  elapsed,
	}, nil
}

// Translate stops after validation; the statement is never executed.
func (c *Coordinator) Translate(ctx context.Context, question string) (Translation, error) {
	r := newRun()
	sqlText, completion, failure := c.translate(ctx, r, question)
	if failure != nil {
		return Translation{}, c.fail(ctx, r, failure)
	}
	elapsed := time.Since(r.start)
	observability.ObservePipelineOutcome("ok", elapsed)
	c.logger.InfoContext(ctx, "pipeline_translated",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("provider", completion.Provider),
		slog.String("sql", sqlText),
		slog.String("duration", elapsed.String()),
	)
	return Translation{
		Question: strings.TrimSpace(question),
		SQL:      sqlText,
		Provider: completion.Provider,
		Model:    completion.Model,
		Duration: elapsed,
	}, nil
}

func (c *Coordinator) translate(ctx context.Context, r *run, question string) (string, nl2sql.Completion, *Error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nl2sql.Completion{}, &Error{Kind: KindValidation, Stage: r.stage, Message: "question is empty"}
	}
	if utf8.RuneCountInString(question) > c.opts.MaxQuestionLength {
		return "", nl2sql.Completion{}, &Error{
			Kind:    KindValidation,
			Stage:   r.stage,
			Message: fmt.Sprintf("question exceeds %d characters", c.opts.MaxQuestionLength),
		}
	}

	prompt := nl2sql.BuildPrompt(question, c.schema, c.opts.Dialect)
	r.advance(StagePromptBuilt)

	modelCtx, cancel := context.WithTimeout(ctx, c.opts.ModelTimeout)
	completion, err := c.model.Complete(modelCtx, prompt)
	timedOut := errors.Is(modelCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		return "", nl2sql.Completion{}, c.modelError(ctx, r, err, timedOut)
	}
	if completion.Provider == "" {
		completion.Provider = c.model.Name()
	}
	observability.AddModelTokens(completion.Provider, completion.Tokens)
	r.advance(StageModelInvoked)

	sqlText, err := nl2sql.ExtractStatement(completion.Text, c.opts.Dialect)
	if err != nil {
		return "", completion, &Error{Kind: KindExtraction, Stage: r.stage, Message: err.Error(), Err: err}
	}
	r.advance(StageExtracted)

	statement, err := sqlguard.Validate(sqlText, c.opts.Dialect)
	if err != nil {
		return "", completion, &Error{
			Kind:    KindValidation,
			Stage:   r.stage,
			Message: "generated SQL rejected: " + err.Error(),
			SQL:     sqlText,
			Err:     err,
		}
	}
	r.advance(StageValidated)
	return statement.Text, completion, nil
}

func (c *Coordinator) modelError(ctx context.Context, r *run, err error, timedOut bool) *Error {
	failure := &Error{Kind: KindModel, Stage: r.stage, Retryable: true, Err: err}
	var (
		providerErr *nl2sql.ProviderError
		netErr      net.Error
	)
	switch {
	case ctx.Err() != nil:
		failure.Message = "request canceled before the model answered"
	case timedOut || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		failure.Timeout = true
		failure.Message = fmt.Sprintf("model did not answer within %s", c.opts.ModelTimeout)
	case errors.As(err, &providerErr):
		failure.Message = providerErr.Error()
		failure.Retryable = providerErr.Retryable()
	default:
		failure.Message = "model request failed: " + err.Error()
	}
	return failure
}

func (c *Coordinator) executionError(sqlText string, err error) *Error {
	var violation *sqlguard.Violation
	if errors.As(err, &violation) {
		return &Error{Kind: KindValidation, Stage: StageValidated, Message: "generated SQL rejected: " + err.Error(), SQL: sqlText, Err: err}
	}
	return &Error{
		Kind:      KindExecution,
		Stage:     StageValidated,
		Message:   err.Error(),
		SQL:       sqlText,
		Retryable: errors.Is(err, query.ErrTimeout),
		Err:       err,
	}
}

func (c *Coordinator) fail(ctx context.Context, r *run, failure *Error) error {
	elapsed := time.Since(r.start)
	observability.ObservePipelineOutcome(string(failure.Kind), elapsed)
	attrs := []any{
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("error_kind", string(failure.Kind)),
		slog.String("stage", string(failure.Stage)),
		slog.String("error", failure.Message),
		slog.String("duration", elapsed.String()),
	}
	if failure.SQL != "" {
		attrs = append(attrs, slog.String("sql", failure.SQL))
	}
	c.logger.WarnContext(ctx, "pipeline_failed", attrs...)
	return failure
}
