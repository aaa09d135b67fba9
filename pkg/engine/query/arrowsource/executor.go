package arrowsource

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/shopspring/decimal"

	"github.com/grafana/docflow/pkg/engine/query"
)

type executor struct {
	table  Table
	params []string

	reader  array.RecordReader
	columns []string
	batch   arrow.Record
	row     int64
	current query.Row
	done    bool
}

var _ query.Executor = (*executor)(nil)

func (e *executor) Execute(ctx context.Context, refs map[string]any) (query.Status, error) {
	if e.reader != nil || e.done {
		return query.StatusReady, nil
	}
	for _, name := range e.params {
		if _, ok := refs[name]; !ok {
			return query.StatusInvalid, fmt.Errorf("missing reference %q", name)
		}
	}
	reader, err := e.table(ctx, refs)
	if err != nil {
		return query.StatusInvalid, err
	}
	e.reader = reader
	for _, f := range reader.Schema().Fields() {
		e.columns = append(e.columns, f.Name)
	}
	return query.StatusReady, nil
}

func (e *executor) Next(context.Context) (query.Row, query.Status, error) {
	if e.done || e.reader == nil {
		e.current = nil
		return nil, query.StatusExhausted, nil
	}
	for e.batch == nil || e.row >= e.batch.NumRows() {
		if !e.reader.Next() {
			err := e.reader.Err()
			e.finish()
			if err != nil {
				return nil, query.StatusInvalid, err
			}
			return nil, query.StatusExhausted, nil
		}
		e.batch = e.reader.Record()
		e.row = 0
	}

	row := make(query.Row, e.batch.NumCols())
	for i, col := range e.batch.Columns() {
		v, err := value(col, int(e.row))
		if err != nil {
			return nil, query.StatusInvalid, fmt.Errorf("column %s: %w", e.batch.ColumnName(i), err)
		}
		row[i] = v
	}
	e.row++
	e.current = row
	return row, query.StatusReady, nil
}

func (e *executor) Current() query.Row { return e.current }
func (e *executor) Columns() []string { return e.columns }

func (e *executor) Close() error {
	e.finish()
	return nil
}

func (e *executor) finish() {
	e.done = true
	e.batch = nil
	e.current = nil
	if e.reader != nil {
		e.reader.Release()
		e.reader = nil
	}
}

// value converts the i-th value of arr to the Go value the lexical translator
// expects.
func value(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return append([]byte(nil), a.Value(i)...), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	case *array.Date32:
		return a.Value(i).ToTime().UTC(), nil
	case *array.Date64:
		return a.Value(i).ToTime().UTC(), nil
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return decimal.NewFromBigInt(a.Value(i).BigInt(), -scale), nil
	default:
		return nil, fmt.Errorf("unsupported arrow type %s", arr.DataType())
	}
}
