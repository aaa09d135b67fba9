// Package arrowsource serves nested queries from in-memory Arrow record
// batches. The statement of a query names a registered table.
package arrowsource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

// Table opens a reader over the batches of a table. refs holds the values of
// the query's declared parameters.
type Table func(ctx context.Context, refs map[string]any) (array.RecordReader, error)

// Source resolves statements to registered tables.
type Source struct {
	mu      sync.RWMutex
	tables  map[string]Table
	records map[string][]arrow.Record
}

var _ query.Source = (*Source)(nil)

func NewSource() *Source {
	return &Source{tables: make(map[string]Table)}
}

// Register makes t available under name.
func (s *Source) Register(name string, t Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = t
}

// RegisterRecords registers a table serving recs on every execution. The
// records are retained until Release is called.
func (s *Source) RegisterRecords(name string, schema *arrow.Schema, recs ...arrow.Record) {
	for _, rec := range recs {
		rec.Retain()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[name]; ok {
		releaseAll(old)
	}
	if s.records == nil {
		s.records = make(map[string][]arrow.Record)
	}
	s.records[name] = recs
	s.tables[name] = func(context.Context, map[string]any) (array.RecordReader, error) {
		return array.NewRecordReader(schema, recs)
	}
}

// Release releases the records of every table registered with
// RegisterRecords.
func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, recs := range s.records {
		releaseAll(recs)
		delete(s.tables, name)
	}
	s.records = nil
}

// Tables returns the sorted names of the registered tables.
func (s *Source) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewExecutor implements query.Source.
func (s *Source) NewExecutor(_ context.Context, q program.Query) (query.Executor, error) {
	s.mu.RLock()
	t, ok := s.tables[q.Statement]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("result set %s: unknown table %q", q.ResultSet, q.Statement)
	}
	return &executor{table: t, params: q.Parameters}, nil
}

func releaseAll(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}
