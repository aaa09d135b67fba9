package interp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

var (
	ErrUnknownColumn    = errors.New("unknown column")
	ErrUnboundReference = errors.New("unbound reference")
)

// cursor is the position of one result set.
type cursor struct {
	query program.Query

	exec     query.Executor // nil once released
	executed bool

	columns   []string
	row       query.Row
	rows      int
	exhausted bool
}

func (c *cursor) column(name string) (int, error) {
	if i := slices.Index(c.columns, name); i >= 0 {
		return i, nil
	}
	return 0, fmt.Errorf("%w %q in result set %s", ErrUnknownColumn, name, c.query.ResultSet)
}

// scope holds the cursors opened by one recursion level.
type scope map[string]*cursor

// Context holds the cursors, executor bindings and reference variables of one
// production. It is shared by every frame of the stack.
type Context struct {
	source query.Source

	scopes []scope
	refs   map[string]any

	pendingResultSet string
	pending          <-chan struct{}
}

// NewContext creates a Context creating executors from source.
func NewContext(source query.Source) *Context {
	return &Context{
		source: source,
		scopes: []scope{{}},
		refs:   make(map[string]any),
	}
}

// Bind sets a reference variable.
func (c *Context) Bind(name string, value any) { c.refs[name] = value }

// Reference returns the value of a reference variable.
func (c *Context) Reference(name string) (any, bool) {
	v, ok := c.refs[name]
	return v, ok
}

// CurrentRow returns the current row of resultSet, or nil.
func (c *Context) CurrentRow(resultSet string) query.Row {
	if cur := c.lookup(resultSet); cur != nil {
		return cur.row
	}
	return nil
}

// Bound returns the sorted names of result sets with a bound executor.
func (c *Context) Bound() []string {
	var names []string
	for _, s := range c.scopes {
		for name, cur := range s {
			if cur.exec != nil {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Pending returns the result set that caused the last suspension and, if its
// executor can signal progress, a channel to wait on.
func (c *Context) Pending() (string, <-chan struct{}) {
	return c.pendingResultSet, c.pending
}

// Close closes every executor still bound, in every scope.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.scopes) - 1; i >= 0; i-- {
		errs = append(errs, closeScope(c.scopes[i]))
	}
	c.scopes = []scope{{}}
	return errors.Join(errs...)
}

func closeScope(s scope) error {
	var errs []error
	for name, cur := range s {
		if err := release(cur); err != nil {
			errs = append(errs, fmt.Errorf("closing executor of %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func release(cur *cursor) error {
	if cur.exec == nil {
		return nil
	}
	err := cur.exec.Close()
	cur.exec = nil
	return err
}

func (c *Context) pushScope() { c.scopes = append(c.scopes, scope{}) }

func (c *Context) popScope() error {
	if len(c.scopes) == 1 {
		return nil
	}
	s := c.scopes[len(c.scopes)-1]
	c.scopes = c.scopes[:len(c.scopes)-1]
	return closeScope(s)
}

func (c *Context) current() scope { return c.scopes[len(c.scopes)-1] }

// lookup finds the cursor of resultSet, innermost scope first.
func (c *Context) lookup(resultSet string) *cursor {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if cur, ok := c.scopes[i][resultSet]; ok {
			return cur
		}
	}
	return nil
}

// open returns the cursor of resultSet in the innermost scope while its
// executor is bound. Otherwise, on first use or once a previous executor was
// released after its last row, it creates a cursor with a new executor.
// Retries after a suspension reuse the executor.
func (c *Context) open(ctx context.Context, q program.Query) (*cursor, error) {
	s := c.current()
	if cur, ok := s[q.ResultSet]; ok && cur.exec != nil {
		return cur, nil
	}

	exec, err := c.source.NewExecutor(ctx, q)
	if err != nil {
		return nil, &program.ComponentError{Component: "executor source", ResultSet: q.ResultSet, Err: err}
	}
	cur := &cursor{
		query:   q,
		exec:    query.Traced(q.ResultSet, exec),
		columns: q.Columns,
	}
	s[q.ResultSet] = cur
	return cur, nil
}

// forget closes the executor of resultSet in the innermost scope and drops
// its cursor.
func (c *Context) forget(resultSet string) error {
	s := c.current()
	cur, ok := s[resultSet]
	if !ok {
		return nil
	}
	delete(s, resultSet)
	if err := release(cur); err != nil {
		return &program.ComponentError{Component: "executor", ResultSet: resultSet, Err: err}
	}
	return nil
}

// run executes the query of cur unless it already ran. Retries after a
// pending status continue the same execution.
func (c *Context) run(ctx context.Context, cur *cursor) (query.Status, error) {
	if cur.executed {
		return query.StatusReady, nil
	}
	rs := cur.query.ResultSet
	refs, err := c.references(cur.query)
	if err != nil {
		return query.StatusInvalid, err
	}
	status, err := cur.exec.Execute(ctx, refs)
	if err != nil {
		return query.StatusInvalid, &program.ComponentError{Component: "executor", ResultSet: rs, Err: err}
	}
	switch status {
	case query.StatusPending:
		c.suspendOn(rs, cur.exec)
		return status, nil
	case query.StatusReady, query.StatusExhausted:
		cur.executed = true
		cur.exhausted = status == query.StatusExhausted
		if cols := cur.exec.Columns(); len(cols) > 0 {
			cur.columns = cols
		}
		return query.StatusReady, nil
	default:
		return query.StatusInvalid, &program.ComponentError{Component: "executor", ResultSet: rs, Err: fmt.Errorf("execute returned %s", status)}
	}
}

func (c *Context) suspendOn(resultSet string, exec query.Executor) {
	c.pendingResultSet = resultSet
	c.pending = nil
	if n, ok := exec.(query.Notifier); ok {
		c.pending = n.Ready()
	}
}

func (c *Context) clearPending() {
	c.pendingResultSet = ""
	c.pending = nil
}

// references evaluates the declared parameters of q. Staging queries are
// executed without references.
func (c *Context) references(q program.Query) (map[string]any, error) {
	if q.Staging || len(q.Parameters) == 0 {
		return nil, nil
	}
	refs := make(map[string]any, len(q.Parameters))
	for _, name := range q.Parameters {
		v, ok := c.refs[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnboundReference, name)
		}
		refs[name] = v
	}
	return refs, nil
}

// value resolves v against the current rows and reference variables.
func (c *Context) value(v program.Value) (any, error) {
	switch {
	case v.IsColumn():
		cur := c.lookup(v.ResultSet)
		if cur == nil || cur.row == nil {
			return nil, nil
		}
		i, err := cur.column(v.Column)
		if err != nil {
			return nil, err
		}
		if i >= len(cur.row) {
			return nil, fmt.Errorf("%w %q: row of %s has %d values", ErrUnknownColumn, v.Column, v.ResultSet, len(cur.row))
		}
		return cur.row[i], nil
	case v.IsReference():
		return c.refs[v.Reference], nil
	default:
		return v.Literal, nil
	}
}
