package interp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/docflow/pkg/document"
	"github.com/grafana/docflow/pkg/document/documenttest"
	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

// fakeExecutor yields fixed rows. It reports pending for the first
// pendingExecute calls to Execute and before every row while pendingNext is
// positive.
type fakeExecutor struct {
	columns []string
	rows    []query.Row

	pendingExecute int
	pendingNext    int

	executeCalls int
	refs         map[string]any
	pos          int
	current      query.Row
	closed       int
	ready        chan struct{}
}

func (e *fakeExecutor) Execute(_ context.Context, refs map[string]any) (query.Status, error) {
	e.executeCalls++
	e.refs = refs
	if e.pendingExecute > 0 {
		e.pendingExecute--
		return query.StatusPending, nil
	}
	return query.StatusReady, nil
}

func (e *fakeExecutor) Next(context.Context) (query.Row, query.Status, error) {
	if e.pendingNext > 0 {
		e.pendingNext--
		return nil, query.StatusPending, nil
	}
	if e.pos >= len(e.rows) {
		e.current = nil
		return nil, query.StatusExhausted, nil
	}
	e.current = e.rows[e.pos]
	e.pos++
	return e.current, query.StatusReady, nil
}

func (e *fakeExecutor) Current() query.Row { return e.current }
func (e *fakeExecutor) Columns() []string { return e.columns }

func (e *fakeExecutor) Close() error {
	e.closed++
	return nil
}

func (e *fakeExecutor) Ready() <-chan struct{} { return e.ready }

// fakeSource hands out the executors registered for a result set in order.
type fakeSource struct {
	execs   map[string][]*fakeExecutor
	created map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{execs: map[string][]*fakeExecutor{}, created: map[string]int{}}
}

func (s *fakeSource) add(resultSet string, e *fakeExecutor) *fakeExecutor {
	s.execs[resultSet] = append(s.execs[resultSet], e)
	return e
}

func (s *fakeSource) NewExecutor(_ context.Context, q program.Query) (query.Executor, error) {
	n := s.created[q.ResultSet]
	if n >= len(s.execs[q.ResultSet]) {
		return nil, fmt.Errorf("no executor left for %s", q.ResultSet)
	}
	s.created[q.ResultSet]++
	return s.execs[q.ResultSet][n], nil
}

type countingHooks struct {
	outcomes  map[program.Outcome]int
	suspended []string
	staged    []string
	rows      map[string]int
}

func newCountingHooks() *countingHooks {
	return &countingHooks{outcomes: map[program.Outcome]int{}, rows: map[string]int{}}
}

func (h *countingHooks) InstructionExecuted(_ string, o program.Outcome) { h.outcomes[o]++ }
func (h *countingHooks) Suspended(rs string) { h.suspended = append(h.suspended, rs) }
func (h *countingHooks) StagingLoaded(rs string) { h.staged = append(h.staged, rs) }
func (h *countingHooks) RowRead(rs string) { h.rows[rs]++ }

func newPlan(root string, progs ...*program.Program) *program.Plan {
	p := &program.Plan{
		Document: "test",
		Root:     root,
		Programs: map[string]*program.Program{},
		Queries:  map[string]program.Query{},
	}
	for _, prog := range progs {
		p.Programs[prog.Name] = prog
	}
	return p
}

type harness struct {
	env   *Environment
	ctx   *Context
	sink  *documenttest.Recorder
	hooks *countingHooks
}

func newHarness(t *testing.T, plan *program.Plan, src query.Source, mod func(*Config)) *harness {
	t.Helper()
	h := &harness{sink: &documenttest.Recorder{}, hooks: newCountingHooks()}
	cfg := Config{Plan: plan, Sink: h.sink, Hooks: h.hooks}
	if mod != nil {
		mod(&cfg)
	}
	env, err := NewEnvironment(cfg)
	require.NoError(t, err)
	h.env = env
	h.ctx = NewContext(src)
	return h
}

// drive runs the production to completion, resuming after every suspension.
func (h *harness) drive(t *testing.T) (suspensions int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		outcome, err := Run(context.Background(), h.env, h.ctx)
		require.NoError(t, err)
		switch outcome {
		case program.OutcomeDone:
			return suspensions
		case program.OutcomeSuspend:
			suspensions++
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	t.Fatal("production did not finish")
	return suspensions
}

func TestStep_AdvancesOncePerInstruction(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "a"},
		program.AddElement{Name: "b", Value: program.Literal("1")},
		program.AddComment{Text: "note"},
		program.CloseElement{},
		program.EndDocument{},
	}}
	h := newHarness(t, newPlan("root", root), newFakeSource(), nil)

	var advances int
	for {
		outcome, err := Step(context.Background(), h.env, h.ctx)
		require.NoError(t, err)
		if outcome == program.OutcomeDone {
			break
		}
		require.Equal(t, program.OutcomeAdvance, outcome)
		advances++
	}

	require.Equal(t, len(root.Instructions), advances)
	require.True(t, h.env.Empty())
	require.Equal(t, "start <a> <b> text:1 </> comment:note </> finish", h.sink.String())

	outcome, err := Step(context.Background(), h.env, h.ctx)
	require.NoError(t, err)
	require.Equal(t, program.OutcomeDone, outcome)
}

func TestLoadStaging_ExecutesOnce(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.LoadStaging{ResultSet: "lookup"},
		program.LoadStaging{ResultSet: "lookup"},
	}}
	plan := newPlan("root", root)
	plan.Queries["lookup"] = program.Query{Staging: true, Statement: "SELECT 1"}

	src := newFakeSource()
	lookup := src.add("lookup", &fakeExecutor{rows: []query.Row{{1}}})
	h := newHarness(t, plan, src, nil)

	require.Zero(t, h.drive(t))
	require.Equal(t, 1, lookup.executeCalls)
	require.Equal(t, 1, lookup.closed)
	require.True(t, h.env.Staged("lookup"))
	require.Equal(t, []string{"lookup"}, h.hooks.staged)
	require.Empty(t, h.ctx.Bound())
}

func TestLoadStaging_ExecutesWithoutReferences(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.BindReference{Name: "customer", Value: program.Literal("42")},
		program.LoadStaging{ResultSet: "lookup"},
	}}
	plan := newPlan("root", root)
	plan.Queries["lookup"] = program.Query{Staging: true, Parameters: []string{"customer", "unbound"}}

	src := newFakeSource()
	lookup := src.add("lookup", &fakeExecutor{})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, 1, lookup.executeCalls)
	require.Nil(t, lookup.refs)
}

func TestLoadStaging_SuspendReusesExecutor(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.LoadStaging{ResultSet: "lookup"},
	}}
	plan := newPlan("root", root)
	plan.Queries["lookup"] = program.Query{Staging: true}

	src := newFakeSource()
	lookup := src.add("lookup", &fakeExecutor{pendingExecute: 2, ready: make(chan struct{})})
	h := newHarness(t, plan, src, nil)

	for range 2 {
		outcome, err := Run(context.Background(), h.env, h.ctx)
		require.NoError(t, err)
		require.Equal(t, program.OutcomeSuspend, outcome)
		require.Equal(t, 0, h.env.Top().PC)
		require.False(t, h.env.Staged("lookup"))

		rs, ready := h.ctx.Pending()
		require.Equal(t, "lookup", rs)
		require.NotNil(t, ready)
	}

	outcome, err := Run(context.Background(), h.env, h.ctx)
	require.NoError(t, err)
	require.Equal(t, program.OutcomeDone, outcome)
	require.Equal(t, 3, lookup.executeCalls)
	require.Equal(t, 1, src.created["lookup"])
	require.Equal(t, []string{"lookup", "lookup"}, h.hooks.suspended)
}

// ordersPlan is a root program with a staging load and a recursive child
// emitting one <order> per row.
func ordersPlan() *program.Plan {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.LoadStaging{ResultSet: "currencies"},
		program.OpenElement{Name: "orders"},
		program.ForEach{ResultSet: "orders", Program: "order"},
		program.CloseElement{},
		program.EndDocument{},
	}}
	order := &program.Program{Name: "order", Recursive: true, Instructions: []program.Instruction{
		program.OpenElement{Name: "order"},
		program.AddAttribute{Name: "id", Value: program.Column("orders", "id", "")},
		program.AddElement{Name: "total", Value: program.Column("orders", "total", "double")},
		program.CloseElement{},
	}}
	plan := newPlan("root", root, order)
	plan.Queries["currencies"] = program.Query{Staging: true}
	plan.Queries["orders"] = program.Query{Columns: []string{"id", "total"}}
	return plan
}

func orderRows() []query.Row {
	return []query.Row{{1, 10.5}, {2, 20.0}, {3, 7.25}}
}

func TestRun_EndToEnd(t *testing.T) {
	src := newFakeSource()
	src.add("currencies", &fakeExecutor{rows: []query.Row{{"EUR"}}})
	orders := src.add("orders", &fakeExecutor{rows: orderRows()})
	h := newHarness(t, ordersPlan(), src, nil)

	require.Zero(t, h.drive(t))

	require.Equal(t, 1, h.sink.Starts)
	require.Equal(t, 1, h.sink.Finishes)
	require.Equal(t, 1, h.sink.Count("<orders>"))
	require.Equal(t, 3, h.sink.Count("<order>"))
	require.Equal(t, "start <orders> "+
		"<order> @id=1 <total> text:10.5 </> </> "+
		"<order> @id=2 <total> text:20 </> </> "+
		"<order> @id=3 <total> text:7.25 </> </> "+
		"</> finish", h.sink.String())

	require.Equal(t, 1, orders.closed)
	require.Equal(t, 3, h.hooks.rows["orders"])
	require.Empty(t, h.ctx.Bound())
}

func TestRun_SuspendTransparency(t *testing.T) {
	run := func(pending int) (string, int) {
		src := newFakeSource()
		src.add("currencies", &fakeExecutor{rows: []query.Row{{"EUR"}}, pendingExecute: pending})
		src.add("orders", &fakeExecutor{rows: orderRows(), pendingExecute: pending, pendingNext: pending})
		h := newHarness(t, ordersPlan(), src, nil)
		suspensions := h.drive(t)
		return h.sink.String(), suspensions
	}

	want, suspensions := run(0)
	require.Zero(t, suspensions)

	got, suspensions := run(1)
	require.Equal(t, 3, suspensions)
	require.Equal(t, want, got)
}

func TestRun_RecursiveFrameIgnoresDocumentBoundaries(t *testing.T) {
	t.Run("recursive root", func(t *testing.T) {
		root := &program.Program{Name: "root", Recursive: true, Instructions: []program.Instruction{
			program.StartDocument{},
			program.EndDocument{},
		}}
		h := newHarness(t, newPlan("root", root), newFakeSource(), nil)
		h.drive(t)
		require.Nil(t, h.env.Document())
		require.Zero(t, h.sink.Starts)
		require.Zero(t, h.sink.Finishes)
	})

	t.Run("child of for each", func(t *testing.T) {
		plan := ordersPlan()
		child := plan.Programs["order"]
		child.Instructions = append([]program.Instruction{program.StartDocument{}}, child.Instructions...)
		child.Instructions = append(child.Instructions, program.EndDocument{})

		src := newFakeSource()
		src.add("currencies", &fakeExecutor{})
		src.add("orders", &fakeExecutor{rows: orderRows()})
		h := newHarness(t, plan, src, nil)
		h.drive(t)
		require.Equal(t, 1, h.sink.Starts)
		require.Equal(t, 1, h.sink.Finishes)
		require.Equal(t, 3, h.sink.Count("<order>"))
	})
}

func TestForEach_NoRows(t *testing.T) {
	src := newFakeSource()
	src.add("currencies", &fakeExecutor{})
	orders := src.add("orders", &fakeExecutor{})
	h := newHarness(t, ordersPlan(), src, nil)

	h.drive(t)
	require.Equal(t, "start <orders> </> finish", h.sink.String())
	require.Equal(t, 1, orders.closed)
	require.Empty(t, h.ctx.Bound())
}

func TestForEach_RunsAgainOnEveryPass(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "root"},
		program.ForEach{ResultSet: "items", Program: "item"},
		program.ForEach{ResultSet: "items", Program: "item"},
		program.EndDocument{},
	}}
	item := &program.Program{Name: "item", Instructions: []program.Instruction{
		program.AddElement{Name: "item", Value: program.Column("items", "name", "")},
	}}
	plan := newPlan("root", root, item)
	plan.Queries["items"] = program.Query{Columns: []string{"name"}}

	src := newFakeSource()
	src.add("items", &fakeExecutor{rows: []query.Row{{"a"}, {"b"}}})
	src.add("items", &fakeExecutor{rows: []query.Row{{"c"}}})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, "start <root> <item> text:a </> <item> text:b </> <item> text:c </> </> finish", h.sink.String())
}

func TestAdvanceCursor(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "customer"},
		program.AdvanceCursor{ResultSet: "customer"},
		program.AddElement{Name: "name", Value: program.Column("customer", "name", "")},
		program.AdvanceCursor{ResultSet: "customer"},
		program.AddElement{Name: "name", Value: program.Column("customer", "name", "")},
		program.EndDocument{},
	}}
	plan := newPlan("root", root)
	plan.Queries["customer"] = program.Query{}

	src := newFakeSource()
	cust := src.add("customer", &fakeExecutor{columns: []string{"id", "name"}, rows: []query.Row{{7, "ACME"}}})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	// The second read exhausts the cursor: no current row, element omitted.
	require.Equal(t, "start <customer> <name> text:ACME </> </> finish", h.sink.String())
	require.Nil(t, h.ctx.CurrentRow("customer"))
	require.Equal(t, 1, cust.closed)
	require.Empty(t, h.ctx.Bound())
}

func TestAdvanceCursor_RowLimit(t *testing.T) {
	for _, tc := range []struct {
		name     string
		query    program.Query
		limits   Limits
		wantErr  bool
		wantRows int
	}{
		{name: "query limit", query: program.Query{RowLimit: 2}, wantErr: true},
		{name: "default limit", limits: Limits{DefaultRowLimit: 2}, wantErr: true},
		{name: "limit disabled", query: program.Query{RowLimit: -1}, limits: Limits{DefaultRowLimit: 2}, wantRows: 3},
		{name: "truncate", query: program.Query{RowLimit: 2, TruncateAtLimit: true}, wantRows: 2},
		{name: "limit not reached", query: program.Query{RowLimit: 3}, wantRows: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			plan := ordersPlan()
			tc.query.Columns = []string{"id", "total"}
			plan.Queries["orders"] = tc.query

			src := newFakeSource()
			src.add("currencies", &fakeExecutor{})
			orders := src.add("orders", &fakeExecutor{rows: orderRows()})
			h := newHarness(t, plan, src, func(cfg *Config) { cfg.Limits = tc.limits })

			outcome, err := Run(context.Background(), h.env, h.ctx)
			if tc.wantErr {
				require.Equal(t, program.OutcomeError, outcome)
				require.ErrorIs(t, err, program.ErrRowLimitExceeded)

				var pe *program.ProcessingError
				require.ErrorAs(t, err, &pe)
				require.Equal(t, "orders", pe.ResultSet)
				require.Equal(t, "root", pe.Program)

				require.Equal(t, []string{"orders"}, h.ctx.Bound())
				require.NoError(t, h.ctx.Close())
				require.Equal(t, 1, orders.closed)
				require.Empty(t, h.ctx.Bound())
				return
			}
			require.NoError(t, err)
			require.Equal(t, program.OutcomeDone, outcome)
			require.Equal(t, tc.wantRows, h.sink.Count("<order>"))
			require.Equal(t, 1, orders.closed)
		})
	}
}

func TestChoose(t *testing.T) {
	status := program.Column("orders", "status", "")
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "orders"},
		program.ForEach{ResultSet: "orders", Program: "order"},
		program.EndDocument{},
	}}
	order := &program.Program{Name: "order", Instructions: []program.Instruction{
		program.Choose{
			Cases: []program.Case{
				{When: program.Condition{Value: status, Op: program.OpNull}, Program: "unknown"},
				{When: program.Condition{Value: status, Op: program.OpEqual, Operand: "open"}, Program: "open"},
				{When: program.Condition{Value: status, Op: program.OpNotNull}, Program: "other"},
			},
		},
	}}
	emit := func(name string) *program.Program {
		return &program.Program{Name: name, Instructions: []program.Instruction{program.AddComment{Text: name}}}
	}
	plan := newPlan("root", root, order, emit("unknown"), emit("open"), emit("other"))
	plan.Queries["orders"] = program.Query{Columns: []string{"status"}}

	src := newFakeSource()
	src.add("orders", &fakeExecutor{rows: []query.Row{{"open"}, {nil}, {"closed"}}})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, "start <orders> comment:open comment:unknown comment:other </> finish", h.sink.String())
}

func TestChoose_DefaultAndNoMatch(t *testing.T) {
	for _, tc := range []struct {
		name, def, want string
	}{
		{name: "default", def: "fallback", want: "start <r> comment:fallback </> finish"},
		{name: "no default", want: "start <r> </> finish"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := &program.Program{Name: "root", Instructions: []program.Instruction{
				program.StartDocument{},
				program.OpenElement{Name: "r"},
				program.Choose{
					Cases: []program.Case{{
						When:    program.Condition{Value: program.Literal("a"), Op: program.OpNotEq, Operand: "a"},
						Program: "never",
					}},
					Default: tc.def,
				},
				program.EndDocument{},
			}}
			fallback := &program.Program{Name: "fallback", Instructions: []program.Instruction{program.AddComment{Text: "fallback"}}}
			never := &program.Program{Name: "never", Instructions: []program.Instruction{program.Abort{Message: "unreachable"}}}
			h := newHarness(t, newPlan("root", root, fallback, never), newFakeSource(), nil)

			h.drive(t)
			require.Equal(t, tc.want, h.sink.String())
		})
	}
}

func treePlan(maxDepth int, errorOnLimit bool) *program.Plan {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.Recurse{Program: "node", MaxDepth: maxDepth, ErrorOnLimit: errorOnLimit},
		program.EndDocument{},
	}}
	node := &program.Program{Name: "node", Recursive: true, Instructions: []program.Instruction{
		program.OpenElement{Name: "node"},
		program.Recurse{Program: "node", MaxDepth: maxDepth, ErrorOnLimit: errorOnLimit},
		program.CloseElement{},
	}}
	return newPlan("root", root, node)
}

func TestRecurse_StopsAtLimit(t *testing.T) {
	h := newHarness(t, treePlan(3, false), newFakeSource(), nil)
	h.drive(t)
	require.Equal(t, "start <node> <node> <node> </> </> </> finish", h.sink.String())
	require.Zero(t, h.env.depth["node"])
}

func TestRecurse_DefaultLimit(t *testing.T) {
	h := newHarness(t, treePlan(0, false), newFakeSource(), func(cfg *Config) {
		cfg.Limits.MaxRecursionDepth = 2
	})
	h.drive(t)
	require.Equal(t, 2, h.sink.Count("<node>"))
}

func TestRecurse_ErrorOnLimit(t *testing.T) {
	h := newHarness(t, treePlan(2, true), newFakeSource(), nil)
	outcome, err := Run(context.Background(), h.env, h.ctx)
	require.Equal(t, program.OutcomeError, outcome)
	require.ErrorIs(t, err, program.ErrRecursionLimit)
	require.True(t, program.IsProcessing(err))
}

func TestRecurse_ScopesCursors(t *testing.T) {
	// Each level reads its own children result set and recurses once per row.
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "tree"},
		program.Recurse{Program: "level"},
		program.EndDocument{},
	}}
	level := &program.Program{Name: "level", Recursive: true, Instructions: []program.Instruction{
		program.ForEach{ResultSet: "children", Program: "child"},
	}}
	child := &program.Program{Name: "child", Instructions: []program.Instruction{
		program.OpenElement{Name: "n"},
		program.AddAttribute{Name: "id", Value: program.Column("children", "id", "")},
		program.Recurse{Program: "level"},
		program.CloseElement{},
	}}
	plan := newPlan("root", root, level, child)
	plan.Queries["children"] = program.Query{Columns: []string{"id"}}

	src := newFakeSource()
	src.add("children", &fakeExecutor{rows: []query.Row{{1}, {2}}})
	src.add("children", &fakeExecutor{rows: []query.Row{{11}}})
	src.add("children", &fakeExecutor{})
	src.add("children", &fakeExecutor{})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, "start <tree> <n> @id=1 <n> @id=11 </> </> <n> @id=2 </> </> finish", h.sink.String())
	for _, e := range src.execs["children"] {
		require.Equal(t, 1, e.closed)
	}
}

func TestExecuteQuery_PassesReferences(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "r"},
		program.BindReference{Name: "customer", Value: program.Literal("42")},
		program.ExecuteQuery{ResultSet: "orders"},
		program.ExecuteQuery{ResultSet: "orders"},
		program.AdvanceCursor{ResultSet: "orders"},
		program.AddElement{Name: "id", Value: program.Column("orders", "id", "")},
		program.CloseResults{ResultSet: "orders"},
		program.EndDocument{},
	}}
	plan := newPlan("root", root)
	plan.Queries["orders"] = program.Query{Parameters: []string{"customer"}, Columns: []string{"id"}}

	src := newFakeSource()
	orders := src.add("orders", &fakeExecutor{rows: []query.Row{{"o-1"}, {"o-2"}}})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, 1, orders.executeCalls)
	require.Equal(t, map[string]any{"customer": "42"}, orders.refs)
	require.Equal(t, 1, orders.closed)
	require.Equal(t, "start <r> <id> text:o-1 </> </> finish", h.sink.String())
}

func TestAdvanceCursor_DetailPerParentRow(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "orders"},
		program.ForEach{ResultSet: "orders", Program: "order"},
		program.CloseElement{},
		program.EndDocument{},
	}}
	order := &program.Program{Name: "order", Instructions: []program.Instruction{
		program.BindReference{Name: "oid", Value: program.Column("orders", "id", "")},
		program.OpenElement{Name: "d"},
		program.AdvanceCursor{ResultSet: "detail"},
		program.AddText{Value: program.Column("detail", "x", "")},
		program.AdvanceCursor{ResultSet: "detail"},
		program.CloseElement{},
	}}
	plan := newPlan("root", root, order)
	plan.Queries["orders"] = program.Query{Columns: []string{"id"}}
	plan.Queries["detail"] = program.Query{Parameters: []string{"oid"}, Columns: []string{"x"}}

	src := newFakeSource()
	src.add("orders", &fakeExecutor{rows: []query.Row{{1}, {2}}})
	first := src.add("detail", &fakeExecutor{rows: []query.Row{{"d1"}}})
	second := src.add("detail", &fakeExecutor{rows: []query.Row{{"d2"}}})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, "start <orders> <d> text:d1 </> <d> text:d2 </> </> finish", h.sink.String())
	require.Equal(t, 2, src.created["detail"])
	require.Equal(t, map[string]any{"oid": 1}, first.refs)
	require.Equal(t, map[string]any{"oid": 2}, second.refs)
	require.Equal(t, 1, first.closed)
	require.Equal(t, 1, second.closed)
	require.Empty(t, h.ctx.Bound())
}

func TestExecuteQuery_RunsAgainAfterExhaustion(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "r"},
		program.BindReference{Name: "customer", Value: program.Literal("1")},
		program.ExecuteQuery{ResultSet: "orders"},
		program.AdvanceCursor{ResultSet: "orders"},
		program.AddElement{Name: "id", Value: program.Column("orders", "id", "")},
		program.AdvanceCursor{ResultSet: "orders"},
		program.BindReference{Name: "customer", Value: program.Literal("2")},
		program.ExecuteQuery{ResultSet: "orders"},
		program.AdvanceCursor{ResultSet: "orders"},
		program.AddElement{Name: "id", Value: program.Column("orders", "id", "")},
		program.CloseResults{ResultSet: "orders"},
		program.CloseElement{},
		program.EndDocument{},
	}}
	plan := newPlan("root", root)
	plan.Queries["orders"] = program.Query{Parameters: []string{"customer"}, Columns: []string{"id"}}

	src := newFakeSource()
	first := src.add("orders", &fakeExecutor{rows: []query.Row{{"o-1"}}})
	second := src.add("orders", &fakeExecutor{rows: []query.Row{{"o-2"}}})
	h := newHarness(t, plan, src, nil)

	h.drive(t)
	require.Equal(t, "start <r> <id> text:o-1 </> <id> text:o-2 </> </> finish", h.sink.String())
	require.Equal(t, map[string]any{"customer": "1"}, first.refs)
	require.Equal(t, map[string]any{"customer": "2"}, second.refs)
	require.Equal(t, 1, second.closed)
}

func TestExecuteQuery_UnboundReference(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.ExecuteQuery{ResultSet: "orders"},
	}}
	plan := newPlan("root", root)
	plan.Queries["orders"] = program.Query{Parameters: []string{"customer"}}

	src := newFakeSource()
	src.add("orders", &fakeExecutor{})
	h := newHarness(t, plan, src, nil)

	_, err := Run(context.Background(), h.env, h.ctx)
	require.ErrorIs(t, err, ErrUnboundReference)
	require.True(t, program.IsProcessing(err))
}

func TestAddElement_Nillable(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.StartDocument{},
		program.OpenElement{Name: "r"},
		program.AddElement{Name: "a", Value: program.Reference("missing")},
		program.AddElement{Name: "b", Value: program.Reference("missing"), Nillable: true},
		program.AddElement{Name: "c", Value: program.Literal("")},
		program.EndDocument{},
	}}
	h := newHarness(t, newPlan("root", root), newFakeSource(), nil)

	h.drive(t)
	require.Equal(t, "start <r> <b> @xmlns:xsi="+xsiNamespace+" @xsi:nil=true </> </> finish", h.sink.String())
}

func TestStartDocument_FormatPrecedence(t *testing.T) {
	yes, no := true, false
	for _, tc := range []struct {
		name     string
		ins      program.StartDocument
		defaults document.Format
		override Override
		want     document.Format
	}{
		{
			name:     "global default",
			defaults: document.Format{Encoding: "ISO-8859-1", Pretty: true},
			want:     document.Format{Encoding: "ISO-8859-1", Pretty: true},
		},
		{
			name:     "mapping default",
			ins:      program.StartDocument{Encoding: "UTF-16", Pretty: &no},
			defaults: document.Format{Encoding: "ISO-8859-1", Pretty: true},
			want:     document.Format{Encoding: "UTF-16"},
		},
		{
			name:     "request override",
			ins:      program.StartDocument{Encoding: "UTF-16", Pretty: &no},
			defaults: document.Format{Encoding: "ISO-8859-1"},
			override: Override{Encoding: "US-ASCII", Pretty: &yes},
			want:     document.Format{Encoding: "US-ASCII", Pretty: true},
		},
		{
			name: "empty",
			want: document.Format{Encoding: document.DefaultEncoding},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := &program.Program{Name: "root", Instructions: []program.Instruction{tc.ins}}
			h := newHarness(t, newPlan("root", root), newFakeSource(), func(cfg *Config) {
				cfg.Defaults = tc.defaults
				cfg.Override = tc.override
			})
			h.drive(t)
			require.Equal(t, tc.want, h.sink.Format)
		})
	}
}

func TestStep_ProcessingErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		ins  []program.Instruction
		want error
	}{
		{name: "no document", ins: []program.Instruction{program.OpenElement{Name: "a"}}, want: program.ErrNoDocument},
		{name: "document twice", ins: []program.Instruction{program.StartDocument{}, program.StartDocument{}}, want: program.ErrDocumentStarted},
		{name: "unknown result set", ins: []program.Instruction{program.AdvanceCursor{ResultSet: "nope"}}, want: program.ErrUnknownResultSet},
		{name: "unknown program", ins: []program.Instruction{program.Recurse{Program: "nope"}}, want: program.ErrUnknownProgram},
		{name: "abort", ins: []program.Instruction{program.Abort{Message: "stop"}}, want: program.ErrAborted},
		{name: "close without open", ins: []program.Instruction{program.StartDocument{}, program.CloseElement{}}, want: document.ErrNoOpenElement},
		{name: "second root", ins: []program.Instruction{program.StartDocument{}, program.OpenElement{Name: "r"}, program.CloseElement{}, program.OpenElement{Name: "s"}}, want: document.ErrSecondRoot},
		{name: "after finish", ins: []program.Instruction{program.StartDocument{}, program.EndDocument{}, program.AddComment{Text: "x"}}, want: program.ErrNoDocument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := &program.Program{Name: "root", Instructions: tc.ins}
			h := newHarness(t, newPlan("root", root), newFakeSource(), nil)

			outcome, err := Run(context.Background(), h.env, h.ctx)
			require.Equal(t, program.OutcomeError, outcome)
			require.ErrorIs(t, err, tc.want)

			var pe *program.ProcessingError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, len(tc.ins)-1, pe.PC)
			require.Equal(t, tc.ins[len(tc.ins)-1], pe.Instruction)
			require.Equal(t, 1, h.hooks.outcomes[program.OutcomeError])
		})
	}
}

type failingExecutor struct {
	fakeExecutor
	err error
}

func (e *failingExecutor) Next(context.Context) (query.Row, query.Status, error) {
	return nil, query.StatusInvalid, e.err
}

func TestStep_ComponentErrors(t *testing.T) {
	boom := errors.New("connection reset")
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.AdvanceCursor{ResultSet: "orders"},
	}}
	plan := newPlan("root", root)
	plan.Queries["orders"] = program.Query{}

	exec := &failingExecutor{err: boom}
	h := newHarness(t, plan, query.SourceFunc(func(context.Context, program.Query) (query.Executor, error) {
		return exec, nil
	}), nil)

	_, err := Run(context.Background(), h.env, h.ctx)
	require.ErrorIs(t, err, boom)
	require.True(t, program.IsComponent(err))
	require.False(t, program.IsProcessing(err))

	require.NoError(t, h.ctx.Close())
	require.Equal(t, 1, exec.closed)
}

func TestContext_CloseReleasesAllScopes(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{
		program.ExecuteQuery{ResultSet: "a"},
		program.Recurse{Program: "nested"},
	}}
	nested := &program.Program{Name: "nested", Recursive: true, Instructions: []program.Instruction{
		program.ExecuteQuery{ResultSet: "b"},
		program.AdvanceCursor{ResultSet: "b"},
	}}
	plan := newPlan("root", root, nested)
	plan.Queries["a"] = program.Query{}
	plan.Queries["b"] = program.Query{}

	src := newFakeSource()
	a := src.add("a", &fakeExecutor{})
	b := src.add("b", &fakeExecutor{pendingNext: 1})
	h := newHarness(t, plan, src, nil)

	outcome, err := Run(context.Background(), h.env, h.ctx)
	require.NoError(t, err)
	require.Equal(t, program.OutcomeSuspend, outcome)
	require.Equal(t, []string{"a", "b"}, h.ctx.Bound())

	require.NoError(t, h.ctx.Close())
	require.Equal(t, 1, a.closed)
	require.Equal(t, 1, b.closed)
	require.Empty(t, h.ctx.Bound())
}

func TestRun_Canceled(t *testing.T) {
	root := &program.Program{Name: "root", Instructions: []program.Instruction{program.StartDocument{}}}
	h := newHarness(t, newPlan("root", root), newFakeSource(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := Run(ctx, h.env, h.ctx)
	require.Equal(t, program.OutcomeError, outcome)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, h.sink.Starts)
}
