package sqlsource

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

type executor struct {
	db     conn
	q      program.Query
	logger log.Logger

	// materialize reads the whole result before the statement counts as
	// returned.
	materialize bool

	startOnce sync.Once
	cancel    context.CancelFunc
	started   chan struct{} // closed once the statement returned
	done      chan struct{} // closed when the reader exits
	rows      chan query.Row
	notify    chan struct{}

	mu      sync.Mutex
	columns []string
	err     error

	current   query.Row
	closeOnce sync.Once
}

var (
	_ query.Executor = (*executor)(nil)
	_ query.Notifier = (*executor)(nil)
)

func newExecutor(db conn, q program.Query, buffered int, materialize bool, logger log.Logger) *executor {
	return &executor{
		db:          db,
		q:           q,
		logger:      logger,
		materialize: materialize,
		started:     make(chan struct{}),
		done:        make(chan struct{}),
		rows:        make(chan query.Row, buffered),
		notify:      make(chan struct{}, 1),
	}
}

// Execute starts the statement on the first call and reports whether it has
// returned on every call.
func (e *executor) Execute(ctx context.Context, refs map[string]any) (query.Status, error) {
	var startErr error
	e.startOnce.Do(func() {
		a, err := args(e.q, refs)
		if err != nil {
			startErr = err
			close(e.started)
			close(e.done)
			close(e.rows)
			e.setErr(err)
			return
		}
		// The reader outlives this call: keep ctx values but not its deadline.
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.cancel = cancel
		go e.read(rctx, a)
	})
	if startErr != nil {
		return query.StatusInvalid, startErr
	}

	select {
	case <-e.started:
		if err := e.failure(); err != nil {
			return query.StatusInvalid, err
		}
		return query.StatusReady, nil
	default:
		return query.StatusPending, nil
	}
}

// Next never blocks: it reports pending when the reader has not delivered the
// next row yet.
func (e *executor) Next(context.Context) (query.Row, query.Status, error) {
	select {
	case row, ok := <-e.rows:
		if !ok {
			e.current = nil
			if err := e.failure(); err != nil {
				return nil, query.StatusInvalid, err
			}
			return nil, query.StatusExhausted, nil
		}
		e.current = row
		return row, query.StatusReady, nil
	default:
		return nil, query.StatusPending, nil
	}
}

func (e *executor) Current() query.Row { return e.current }

func (e *executor) Columns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.columns
}

// Ready implements query.Notifier.
func (e *executor) Ready() <-chan struct{} { return e.notify }

// Close cancels the statement and waits for the reader to exit.
func (e *executor) Close() error {
	e.closeOnce.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()
		<-e.done
	})
	return nil
}

func (e *executor) read(ctx context.Context, a []any) {
	defer close(e.done)
	defer e.signal()
	defer close(e.rows)

	var startOnce sync.Once
	markStarted := func() {
		startOnce.Do(func() {
			close(e.started)
			e.signal()
		})
	}
	defer markStarted()

	begin := time.Now()
	if e.q.Staging {
		_, err := e.db.ExecContext(ctx, e.q.Statement, a...)
		logStatement(e.logger, e.q, time.Since(begin), err)
		e.setErr(err)
		return
	}

	rows, err := e.db.QueryContext(ctx, e.q.Statement, a...)
	logStatement(e.logger, e.q, time.Since(begin), err)
	if err != nil {
		e.setErr(err)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		e.setErr(err)
		return
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		e.setErr(err)
		return
	}
	e.mu.Lock()
	e.columns = cols
	e.mu.Unlock()

	if e.materialize {
		var all []query.Row
		for rows.Next() {
			row, err := scan(rows, types)
			if err != nil {
				e.setErr(err)
				return
			}
			all = append(all, row)
		}
		if err := rows.Err(); err != nil {
			e.setErr(err)
			return
		}
		rows.Close()
		markStarted()

		for _, row := range all {
			if !e.send(ctx, row) {
				return
			}
		}
		return
	}

	markStarted()
	for rows.Next() {
		row, err := scan(rows, types)
		if err != nil {
			e.setErr(err)
			return
		}
		if !e.send(ctx, row) {
			return
		}
	}
	if err := rows.Err(); err != nil && ctx.Err() == nil {
		e.setErr(err)
	}
}

func (e *executor) send(ctx context.Context, row query.Row) bool {
	select {
	case e.rows <- row:
		e.signal()
		return true
	case <-ctx.Done():
		return false
	}
}

func scan(rows *sql.Rows, types []*sql.ColumnType) (query.Row, error) {
	values := make([]any, len(types))
	dest := make([]any, len(types))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok && !binary(types[i]) {
			values[i] = string(b)
		}
	}
	return values, nil
}

// binary reports whether a column holds raw bytes rather than text the driver
// returns as bytes.
func binary(ct *sql.ColumnType) bool {
	name := strings.ToUpper(ct.DatabaseTypeName())
	return strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY")
}

func (e *executor) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *executor) setErr(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *executor) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
