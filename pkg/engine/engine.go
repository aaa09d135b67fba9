// Package engine produces XML documents from mapping plans. A production is
// started with [Engine.Start] and driven with [Production.Resume] until its
// document is finished; [Engine.Render] does both for callers that want to
// block.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/grafana/docflow/pkg/document"
	"github.com/grafana/docflow/pkg/engine/internal/interp"
	"github.com/grafana/docflow/pkg/engine/metadata"
	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
	"github.com/grafana/docflow/pkg/lexical"
)

var tracer = otel.Tracer("pkg/engine")

// ErrUnknownDocument is returned by Start when the metadata provider has no
// plan for the requested document.
var ErrUnknownDocument = errors.New("unknown document")

// Config configures document production.
type Config struct {
	// Format is the default document format, used when neither the request
	// nor the mapping declares one.
	Format document.Format `yaml:"format"`

	MaxRecursionDepth int `yaml:"max_recursion_depth"`
	DefaultRowLimit   int `yaml:"default_row_limit"`

	Lexical lexical.Config `yaml:"lexical"`

	// ResumeBackoff paces Render while an executor without notifications
	// is pending.
	ResumeBackoff backoff.Config `yaml:"resume_backoff"`
}

// RegisterFlags registers the engine flags under the "engine." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("engine.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.Format.RegisterFlagsWithPrefix(prefix+"format.", f)
	f.IntVar(&cfg.MaxRecursionDepth, prefix+"max-recursion-depth", interp.DefaultMaxRecursionDepth, "Maximum depth of recursive program invocations when the mapping does not set one.")
	f.IntVar(&cfg.DefaultRowLimit, prefix+"default-row-limit", 0, "Maximum number of rows read from a result set when the mapping does not set a limit. 0 disables the limit.")
	cfg.Lexical.RegisterFlagsWithPrefix(prefix+"lexical.", f)
	cfg.ResumeBackoff.RegisterFlagsWithPrefix(prefix+"resume", f)
}

// Validate validates the config.
func (cfg *Config) Validate() error {
	if cfg.MaxRecursionDepth <= 0 {
		return fmt.Errorf("invalid max recursion depth %d: must be greater than 0", cfg.MaxRecursionDepth)
	}
	if cfg.DefaultRowLimit < 0 {
		return fmt.Errorf("invalid default row limit %d: must not be negative", cfg.DefaultRowLimit)
	}
	if err := cfg.Lexical.Validate(); err != nil {
		return fmt.Errorf("lexical: %w", err)
	}
	return nil
}

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config // Config for the Engine.

	Provider metadata.Provider // Provider resolving document names to plans.
	Source   query.Source      // Source creating executors for nested queries.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Provider == nil {
		return errors.New("metadata provider is required")
	}
	if p.Source == nil {
		return errors.New("executor source is required")
	}
	return p.Config.Validate()
}

// Engine starts document productions. It is safe for concurrent use; each
// Production is not.
type Engine struct {
	logger     log.Logger
	metrics    *metrics
	cfg        Config
	translator *lexical.Translator

	provider metadata.Provider
	source   query.Source
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	translator, err := lexical.New(params.Config.Lexical)
	if err != nil {
		return nil, err
	}

	return &Engine{
		logger:     params.Logger,
		metrics:    newMetrics(params.Registerer),
		cfg:        params.Config,
		translator: translator,

		provider: params.Provider,
		source:   params.Source,
	}, nil
}

// Request names the document to produce and optionally overrides its format.
type Request struct {
	Document string
	Encoding string
	Pretty   *bool
}

// Start resolves the plan of req.Document and returns a production that
// writes the document to sink. Nothing is executed until the first Resume.
func (e *Engine) Start(ctx context.Context, req Request, sink document.Sink) (*Production, error) {
	_, span := tracer.Start(ctx, "Engine.Start")
	defer span.End()
	span.SetAttributes(attribute.String("document", req.Document))

	plan, err := e.provider.Plan(ctx, req.Document)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		e.metrics.productions.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "unknown document")
		return nil, fmt.Errorf("%w %q", ErrUnknownDocument, req.Document)
	case err != nil:
		e.metrics.productions.WithLabelValues(statusComponent).Inc()
		span.SetStatus(codes.Error, "failed to load plan")
		return nil, &program.ComponentError{Component: "metadata provider", Err: err}
	}

	id := uuid.NewString()
	logger := log.With(e.logger, "production", id, "document", req.Document)

	env, err := interp.NewEnvironment(interp.Config{
		Plan:       plan,
		Sink:       sink,
		Translator: e.translator,
		Defaults:   e.cfg.Format,
		Override:   interp.Override{Encoding: req.Encoding, Pretty: req.Pretty},
		Limits: interp.Limits{
			MaxRecursionDepth: e.cfg.MaxRecursionDepth,
			DefaultRowLimit:   e.cfg.DefaultRowLimit,
		},
		Logger: logger,
		Hooks:  hooks{m: e.metrics},
	})
	if err != nil {
		e.metrics.productions.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "failed to create environment")
		return nil, fmt.Errorf("document %s: %w", req.Document, err)
	}

	source := e.source
	var session query.Session
	if sessioner, ok := e.source.(query.Sessioner); ok {
		session, err = sessioner.Session(ctx)
		if err != nil {
			e.metrics.productions.WithLabelValues(statusComponent).Inc()
			span.SetStatus(codes.Error, "failed to open source session")
			return nil, &program.ComponentError{Component: "executor source", Err: err}
		}
		source = session
	}

	level.Info(logger).Log("msg", "starting production", "root", plan.Root)
	e.metrics.activeProductions.Inc()
	span.SetAttributes(attribute.String("production", id))
	span.SetStatus(codes.Ok, "")

	return &Production{
		id:       id,
		document: req.Document,
		engine:   e,
		logger:   logger,
		env:      env,
		state:    interp.NewContext(source),
		session:  session,
		started:  time.Now(),
	}, nil
}
