package engine

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/docflow/pkg/engine/internal/interp"
	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

// ErrClosed is returned by Resume after Close.
var ErrClosed = errors.New("production closed")

// Production is one in-flight document. Resume drives it; a production that
// returned [program.OutcomeSuspend] is resumed again once the pending result
// set can make progress. A Production is not safe for concurrent use.
type Production struct {
	id       string
	document string
	engine   *Engine
	logger   log.Logger

	env     *interp.Environment
	state   *interp.Context
	session query.Session // nil unless the source keeps per-production state

	started time.Time
	resumes int

	outcome program.Outcome // last outcome returned by Resume
	err     error
	closed  bool
}

// ID returns the unique identifier of the production.
func (p *Production) ID() string { return p.id }

// Document returns the name of the document being produced.
func (p *Production) Document() string { return p.document }

// Resume executes instructions until the document is finished, an instruction
// suspends or the production fails. A failed production has been aborted: its
// executors are closed and every later call returns the same error.
func (p *Production) Resume(ctx context.Context) (program.Outcome, error) {
	switch {
	case p.closed:
		return program.OutcomeError, ErrClosed
	case p.outcome == program.OutcomeDone:
		return program.OutcomeDone, nil
	case p.outcome == program.OutcomeError:
		return program.OutcomeError, p.err
	}

	ctx, span := tracer.Start(ctx, "Production.Resume", trace.WithAttributes(
		attribute.String("production", p.id),
		attribute.String("document", p.document),
	))
	defer span.End()

	p.resumes++
	outcome, err := interp.Run(ctx, p.env, p.state)
	p.outcome = outcome

	switch outcome {
	case program.OutcomeSuspend:
		resultSet, _ := p.state.Pending()
		span.AddEvent("suspended", trace.WithAttributes(attribute.String("result_set", resultSet)))
		span.SetStatus(codes.Ok, "")
		return outcome, nil

	case program.OutcomeDone:
		if err := p.release(); err != nil {
			level.Warn(p.logger).Log("msg", "failed to close executors", "err", err)
		}
		p.finish(statusSuccess)
		p.engine.metrics.productionSeconds.Observe(time.Since(p.started).Seconds())
		p.engine.metrics.resumesPerDocument.Observe(float64(p.resumes))
		level.Info(p.logger).Log("msg", "finished production", "duration", time.Since(p.started), "resumes", p.resumes)
		span.SetStatus(codes.Ok, "")
		return outcome, nil

	default:
		p.outcome = program.OutcomeError
		p.err = err
		p.abort(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return program.OutcomeError, err
	}
}

// Pending returns the result set the production is waiting on and, if its
// executor can signal progress, a channel that fires once it can.
func (p *Production) Pending() (string, <-chan struct{}) {
	if p.outcome != program.OutcomeSuspend {
		return "", nil
	}
	return p.state.Pending()
}

// Bound returns the result sets whose executors are still open.
func (p *Production) Bound() []string { return p.state.Bound() }

// Close abandons the production if it has not finished and releases its
// executors. It is safe to call Close more than once.
func (p *Production) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.outcome == program.OutcomeDone || p.outcome == program.OutcomeError {
		return nil
	}

	err := p.release()
	p.finish(statusAbandoned)
	level.Info(p.logger).Log("msg", "abandoned production", "resumes", p.resumes)
	return err
}

// abort releases every executor after a failure. Processing errors are
// problems of the mapping or its data and are logged as warnings.
func (p *Production) abort(cause error) {
	status := statusFailure
	logger := level.Error(p.logger)
	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		status = statusCanceled
		logger = level.Warn(p.logger)
	case program.IsProcessing(cause):
		status = statusProcessing
		logger = level.Warn(p.logger)
	case program.IsComponent(cause):
		status = statusComponent
	}

	if err := p.release(); err != nil {
		level.Warn(p.logger).Log("msg", "failed to close executors", "err", err)
	}
	p.finish(status)
	logger.Log("msg", "aborted production", "status", status, "resumes", p.resumes, "err", cause)
}

// release closes every executor, then the source session.
func (p *Production) release() error {
	err := p.state.Close()
	if p.session != nil {
		err = errors.Join(err, p.session.Close())
		p.session = nil
	}
	return err
}

func (p *Production) finish(status string) {
	p.engine.metrics.productions.WithLabelValues(status).Inc()
	p.engine.metrics.activeProductions.Dec()
}
