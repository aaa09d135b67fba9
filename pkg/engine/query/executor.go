// Package query defines the contract between the document production engine
// and the executors that produce the rows of nested queries.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/grafana/docflow/pkg/engine/program"
)

// Status reports the progress of an executor call.
type Status uint8

const (
	StatusInvalid Status = iota // zero-value is never returned

	// StatusReady means the call completed: the query ran, or a row is available.
	StatusReady
	// StatusPending means the call must be repeated later because the source
	// has not delivered the data yet.
	StatusPending
	// StatusExhausted means the result set has no more rows.
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusPending:
		return "pending"
	case StatusExhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// Row is one row of a result set, in column order.
type Row []any

// Executor iterates the rows of one nested query.
//
// Execute must be safe to call repeatedly until it returns StatusReady;
// repeated calls after a pending status continue the same execution rather
// than starting a new one. Next must only be called after Execute returned
// StatusReady.
type Executor interface {
	// Execute runs the query with the given reference values.
	Execute(ctx context.Context, refs map[string]any) (Status, error)
	// Next advances to the next row.
	Next(ctx context.Context) (Row, Status, error)
	// Current returns the row last returned by Next, or nil.
	Current() Row
	// Columns returns the result column names, or nil when unknown.
	Columns() []string
	// Close releases the executor's resources. It is safe to call Close more
	// than once.
	Close() error
}

// Notifier is implemented by executors that can signal when data becomes
// available after a pending status.
type Notifier interface {
	// Ready returns a channel that is closed or receives once the executor
	// may make progress.
	Ready() <-chan struct{}
}

// Source creates executors for query descriptors.
type Source interface {
	NewExecutor(ctx context.Context, q program.Query) (Executor, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, q program.Query) (Executor, error)

// NewExecutor implements Source.
func (f SourceFunc) NewExecutor(ctx context.Context, q program.Query) (Executor, error) {
	return f(ctx, q)
}

// Session is a Source bound to one production. Close is called once the
// production has closed all of its executors.
type Session interface {
	Source
	Close() error
}

// Sessioner is implemented by sources whose executors of one production share
// state, such as a database connection holding temporary staging tables.
type Sessioner interface {
	Session(ctx context.Context) (Session, error)
}

// Sources routes descriptors to the Source named by their Source field. The
// empty name selects the default source.
type Sources map[string]Source

var _ Source = Sources(nil)

// NewExecutor implements Source.
func (s Sources) NewExecutor(ctx context.Context, q program.Query) (Executor, error) {
	src, ok := s[q.Source]
	if !ok {
		return nil, fmt.Errorf("no executor source %q for result set %s", q.Source, q.ResultSet)
	}
	return src.NewExecutor(ctx, q)
}

var _ Sessioner = Sources(nil)

// Session opens a session on every member implementing Sessioner. Other
// members are used as they are.
func (s Sources) Session(ctx context.Context) (Session, error) {
	out := &sessions{routes: make(Sources, len(s))}
	for name, src := range s {
		if sessioner, ok := src.(Sessioner); ok {
			sess, err := sessioner.Session(ctx)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("opening session on source %q: %w", name, err), out.Close())
			}
			out.open = append(out.open, sess)
			src = sess
		}
		out.routes[name] = src
	}
	return out, nil
}

type sessions struct {
	routes Sources
	open   []Session
}

func (s *sessions) NewExecutor(ctx context.Context, q program.Query) (Executor, error) {
	return s.routes.NewExecutor(ctx, q)
}

func (s *sessions) Close() error {
	var errs []error
	for _, sess := range s.open {
		errs = append(errs, sess.Close())
	}
	s.open = nil
	return errors.Join(errs...)
}
