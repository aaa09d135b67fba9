package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/grafana/docflow/pkg/document"
	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

const xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

// Run calls Step until the frame stack is empty, an instruction suspends or
// an error occurs. It returns OutcomeDone once the stack is empty.
func Run(ctx context.Context, env *Environment, c *Context) (program.Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return program.OutcomeError, err
		}
		outcome, err := Step(ctx, env, c)
		switch outcome {
		case program.OutcomeAdvance, program.OutcomeEnter:
		case program.OutcomeDone:
			if env.Empty() {
				return program.OutcomeDone, nil
			}
		case program.OutcomeSuspend:
			return program.OutcomeSuspend, nil
		default:
			return program.OutcomeError, err
		}
	}
}

// Step executes the instruction at the program counter of the top frame.
//
// An exhausted top frame is popped and OutcomeDone returned; its parent
// re-executes the instruction that pushed it on the next call. On
// OutcomeSuspend the program counter is unchanged and the same instruction
// runs again on the next call.
func Step(ctx context.Context, env *Environment, c *Context) (program.Outcome, error) {
	f := env.Top()
	if f == nil {
		return program.OutcomeDone, nil
	}
	if f.Exhausted() {
		env.pop()
		if f.scoped {
			if err := c.popScope(); err != nil {
				return program.OutcomeError, &program.ComponentError{Component: "executor", Err: err}
			}
		}
		return program.OutcomeDone, nil
	}

	c.clearPending()
	ins := f.Program.Instructions[f.PC]
	kind := program.Kind(ins)

	outcome, err := execute(ctx, env, c, f, ins)
	if err != nil {
		env.hooks.InstructionExecuted(kind, program.OutcomeError)
		return program.OutcomeError, classify(f, ins, err)
	}
	env.hooks.InstructionExecuted(kind, outcome)

	switch outcome {
	case program.OutcomeAdvance:
		f.PC++
		f.entered = false
	case program.OutcomeSuspend:
		rs, _ := c.Pending()
		env.hooks.Suspended(rs)
		level.Debug(env.logger).Log("msg", "instruction suspended", "program", f.Program.Name, "pc", f.PC, "instruction", ins, "result_set", rs)
	}
	return outcome, nil
}

// classify wraps err in a ProcessingError unless it is a component failure.
func classify(f *Frame, ins program.Instruction, err error) error {
	if program.IsComponent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &program.ProcessingError{
		Program:     f.Program.Name,
		PC:          f.PC,
		Instruction: ins,
		ResultSet:   resultSetOf(ins),
		Err:         err,
	}
}

func resultSetOf(ins program.Instruction) string {
	switch i := ins.(type) {
	case program.ExecuteQuery:
		return i.ResultSet
	case program.LoadStaging:
		return i.ResultSet
	case program.AdvanceCursor:
		return i.ResultSet
	case program.CloseResults:
		return i.ResultSet
	case program.ForEach:
		return i.ResultSet
	}
	return ""
}

func execute(ctx context.Context, env *Environment, c *Context, f *Frame, ins program.Instruction) (program.Outcome, error) {
	switch i := ins.(type) {
	case program.StartDocument:
		return startDocument(env, i)
	case program.EndDocument:
		return endDocument(env)
	case program.ExecuteQuery:
		return executeQuery(ctx, env, c, i)
	case program.LoadStaging:
		return loadStaging(ctx, env, c, i)
	case program.AdvanceCursor:
		return advanceCursor(ctx, env, c, i)
	case program.CloseResults:
		return program.OutcomeAdvance, c.forget(i.ResultSet)
	case program.OpenElement:
		return withDocument(env, func(doc *document.Builder) error {
			return doc.OpenElement(i.Name)
		})
	case program.CloseElement:
		return withDocument(env, func(doc *document.Builder) error {
			return doc.CloseElement()
		})
	case program.AddElement:
		return addElement(env, c, i)
	case program.AddAttribute:
		return addAttribute(env, c, i)
	case program.AddText:
		return addText(env, c, i)
	case program.AddComment:
		return withDocument(env, func(doc *document.Builder) error {
			return doc.Comment(i.Text)
		})
	case program.AddProcessingInstruction:
		return withDocument(env, func(doc *document.Builder) error {
			return doc.ProcessingInstruction(i.Target, i.Data)
		})
	case program.BindReference:
		v, err := c.value(i.Value)
		if err != nil {
			return program.OutcomeError, err
		}
		c.Bind(i.Name, v)
		return program.OutcomeAdvance, nil
	case program.ForEach:
		return forEach(ctx, env, c, f, i)
	case program.Choose:
		return choose(env, c, f, i)
	case program.Recurse:
		return recurse(env, c, f, i)
	case program.Abort:
		return program.OutcomeError, fmt.Errorf("%w: %s", program.ErrAborted, i.Message)
	default:
		return program.OutcomeError, fmt.Errorf("unsupported instruction %T", ins)
	}
}

func startDocument(env *Environment, i program.StartDocument) (program.Outcome, error) {
	if env.InRecursiveFrame() {
		return program.OutcomeAdvance, nil
	}
	if env.doc != nil {
		return program.OutcomeError, program.ErrDocumentStarted
	}
	doc, err := document.NewBuilder(env.sink, env.resolveFormat(i))
	if err != nil {
		return program.OutcomeError, &program.ComponentError{Component: "document sink", Err: err}
	}
	env.doc = doc
	return program.OutcomeAdvance, nil
}

func endDocument(env *Environment) (program.Outcome, error) {
	if env.InRecursiveFrame() {
		return program.OutcomeAdvance, nil
	}
	return withDocument(env, func(doc *document.Builder) error {
		return doc.Finish()
	})
}

// withDocument applies fn to the open document. Structural mistakes are
// returned as is; any other failure is attributed to the sink.
func withDocument(env *Environment, fn func(doc *document.Builder) error) (program.Outcome, error) {
	doc, err := env.document()
	if err != nil {
		return program.OutcomeError, err
	}
	if err := fn(doc); err != nil {
		return program.OutcomeError, sinkError(err)
	}
	return program.OutcomeAdvance, nil
}

func sinkError(err error) error {
	switch {
	case errors.Is(err, document.ErrFinished),
		errors.Is(err, document.ErrNoOpenElement),
		errors.Is(err, document.ErrAttributeAfterBody),
		errors.Is(err, document.ErrEmptyName),
		errors.Is(err, document.ErrSecondRoot):
		return err
	default:
		return &program.ComponentError{Component: "document sink", Err: err}
	}
}

func executeQuery(ctx context.Context, env *Environment, c *Context, i program.ExecuteQuery) (program.Outcome, error) {
	q, err := env.plan.Query(i.ResultSet)
	if err != nil {
		return program.OutcomeError, err
	}
	cur, err := c.open(ctx, q)
	if err != nil {
		return program.OutcomeError, err
	}
	status, err := c.run(ctx, cur)
	if err != nil {
		return program.OutcomeError, err
	}
	if status == query.StatusPending {
		return program.OutcomeSuspend, nil
	}
	return program.OutcomeAdvance, nil
}

func loadStaging(ctx context.Context, env *Environment, c *Context, i program.LoadStaging) (program.Outcome, error) {
	if env.Staged(i.ResultSet) {
		return program.OutcomeAdvance, nil
	}
	q, err := env.plan.Query(i.ResultSet)
	if err != nil {
		return program.OutcomeError, err
	}
	cur, err := c.open(ctx, q)
	if err != nil {
		return program.OutcomeError, err
	}
	status, err := c.run(ctx, cur)
	if err != nil {
		return program.OutcomeError, err
	}
	if status == query.StatusPending {
		return program.OutcomeSuspend, nil
	}

	env.staged[i.ResultSet] = struct{}{}
	env.hooks.StagingLoaded(i.ResultSet)
	level.Debug(env.logger).Log("msg", "staging result loaded", "result_set", i.ResultSet)
	if err := c.forget(i.ResultSet); err != nil {
		return program.OutcomeError, err
	}
	return program.OutcomeAdvance, nil
}

func advanceCursor(ctx context.Context, env *Environment, c *Context, i program.AdvanceCursor) (program.Outcome, error) {
	q, err := env.plan.Query(i.ResultSet)
	if err != nil {
		return program.OutcomeError, err
	}
	cur, err := c.open(ctx, q)
	if err != nil {
		return program.OutcomeError, err
	}
	status, err := c.run(ctx, cur)
	if err != nil {
		return program.OutcomeError, err
	}
	if status == query.StatusPending {
		return program.OutcomeSuspend, nil
	}
	status, err = fetch(ctx, env, c, cur)
	if err != nil {
		return program.OutcomeError, err
	}
	if status == query.StatusPending {
		return program.OutcomeSuspend, nil
	}
	return program.OutcomeAdvance, nil
}

// fetch moves cur to its next row. At the end of the rows the executor is
// released; the cursor keeps no current row and the next open of its result
// set executes the query again with the current references.
func fetch(ctx context.Context, env *Environment, c *Context, cur *cursor) (query.Status, error) {
	rs := cur.query.ResultSet
	if cur.exhausted {
		cur.row = nil
		if err := release(cur); err != nil {
			return query.StatusInvalid, &program.ComponentError{Component: "executor", ResultSet: rs, Err: err}
		}
		return query.StatusExhausted, nil
	}

	row, status, err := cur.exec.Next(ctx)
	if err != nil {
		return query.StatusInvalid, &program.ComponentError{Component: "executor", ResultSet: rs, Err: err}
	}
	switch status {
	case query.StatusPending:
		c.suspendOn(rs, cur.exec)
		return status, nil
	case query.StatusExhausted:
		cur.exhausted = true
		return fetch(ctx, env, c, cur)
	case query.StatusReady:
	default:
		return query.StatusInvalid, &program.ComponentError{Component: "executor", ResultSet: rs, Err: fmt.Errorf("next returned %s", status)}
	}

	if limit := env.rowLimit(cur.query); limit > 0 && cur.rows >= limit {
		if !cur.query.TruncateAtLimit {
			return query.StatusInvalid, fmt.Errorf("%w: more than %d rows", program.ErrRowLimitExceeded, limit)
		}
		level.Debug(env.logger).Log("msg", "result set truncated at row limit", "result_set", rs, "limit", limit)
		cur.exhausted = true
		return fetch(ctx, env, c, cur)
	}
	if row == nil {
		row = cur.exec.Current()
	}
	cur.row = row
	cur.rows++
	env.hooks.RowRead(rs)
	return query.StatusReady, nil
}

func addElement(env *Environment, c *Context, i program.AddElement) (program.Outcome, error) {
	doc, err := env.document()
	if err != nil {
		return program.OutcomeError, err
	}
	v, err := c.value(i.Value)
	if err != nil {
		return program.OutcomeError, err
	}
	if v == nil {
		if !i.Nillable {
			return program.OutcomeAdvance, nil
		}
		return withDocument(env, func(doc *document.Builder) error {
			if err := doc.OpenElement(i.Name); err != nil {
				return err
			}
			if err := doc.Attribute("xmlns:xsi", xsiNamespace); err != nil {
				return err
			}
			if err := doc.Attribute("xsi:nil", "true"); err != nil {
				return err
			}
			return doc.CloseElement()
		})
	}
	s, ok := env.translator.Translate(v, i.Value.Type)
	if !ok {
		return program.OutcomeAdvance, nil
	}
	if err := doc.OpenElement(i.Name); err != nil {
		return program.OutcomeError, sinkError(err)
	}
	if err := doc.Text(s); err != nil {
		return program.OutcomeError, sinkError(err)
	}
	if err := doc.CloseElement(); err != nil {
		return program.OutcomeError, sinkError(err)
	}
	return program.OutcomeAdvance, nil
}

func addAttribute(env *Environment, c *Context, i program.AddAttribute) (program.Outcome, error) {
	v, err := c.value(i.Value)
	if err != nil {
		return program.OutcomeError, err
	}
	s, ok := env.translator.Translate(v, i.Value.Type)
	if !ok {
		if _, err := env.document(); err != nil {
			return program.OutcomeError, err
		}
		return program.OutcomeAdvance, nil
	}
	return withDocument(env, func(doc *document.Builder) error {
		return doc.Attribute(i.Name, s)
	})
}

func addText(env *Environment, c *Context, i program.AddText) (program.Outcome, error) {
	v, err := c.value(i.Value)
	if err != nil {
		return program.OutcomeError, err
	}
	s, ok := env.translator.Translate(v, i.Value.Type)
	if !ok {
		if _, err := env.document(); err != nil {
			return program.OutcomeError, err
		}
		return program.OutcomeAdvance, nil
	}
	return withDocument(env, func(doc *document.Builder) error {
		return doc.Text(s)
	})
}

// forEach reads one row per execution and pushes prog for it. The first
// execution discards the cursor of a previous pass.
func forEach(ctx context.Context, env *Environment, c *Context, f *Frame, i program.ForEach) (program.Outcome, error) {
	q, err := env.plan.Query(i.ResultSet)
	if err != nil {
		return program.OutcomeError, err
	}
	prog, err := env.program(i.Program)
	if err != nil {
		return program.OutcomeError, err
	}
	if !f.entered {
		if err := c.forget(i.ResultSet); err != nil {
			return program.OutcomeError, err
		}
		f.entered = true
	}

	cur, err := c.open(ctx, q)
	if err != nil {
		return program.OutcomeError, err
	}
	status, err := c.run(ctx, cur)
	if err != nil {
		return program.OutcomeError, err
	}
	if status == query.StatusPending {
		return program.OutcomeSuspend, nil
	}
	status, err = fetch(ctx, env, c, cur)
	if err != nil {
		return program.OutcomeError, err
	}
	switch status {
	case query.StatusPending:
		return program.OutcomeSuspend, nil
	case query.StatusExhausted:
		return program.OutcomeAdvance, c.forget(i.ResultSet)
	}
	env.push(&Frame{Program: prog, Recursive: true})
	return program.OutcomeEnter, nil
}

func choose(env *Environment, c *Context, f *Frame, i program.Choose) (program.Outcome, error) {
	if f.entered {
		return program.OutcomeAdvance, nil
	}
	name := i.Default
	for _, cs := range i.Cases {
		ok, err := holds(env, c, cs.When)
		if err != nil {
			return program.OutcomeError, err
		}
		if ok {
			name = cs.Program
			break
		}
	}
	if name == "" {
		return program.OutcomeAdvance, nil
	}
	prog, err := env.program(name)
	if err != nil {
		return program.OutcomeError, err
	}
	f.entered = true
	env.push(&Frame{Program: prog, Recursive: prog.Recursive})
	return program.OutcomeEnter, nil
}

func holds(env *Environment, c *Context, cond program.Condition) (bool, error) {
	v, err := c.value(cond.Value)
	if err != nil {
		return false, err
	}
	switch cond.Op {
	case program.OpNull:
		return v == nil, nil
	case program.OpNotNull:
		return v != nil, nil
	case program.OpEqual, program.OpNotEq:
		s, _ := env.translator.Translate(v, cond.Value.Type)
		return (s == cond.Operand) == (cond.Op == program.OpEqual), nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", cond.Op)
	}
}

func recurse(env *Environment, c *Context, f *Frame, i program.Recurse) (program.Outcome, error) {
	if f.entered {
		return program.OutcomeAdvance, nil
	}
	prog, err := env.program(i.Program)
	if err != nil {
		return program.OutcomeError, err
	}
	limit := i.MaxDepth
	if limit <= 0 {
		limit = env.limits.MaxRecursionDepth
	}
	if env.depth[prog.Name] >= limit {
		if i.ErrorOnLimit {
			return program.OutcomeError, fmt.Errorf("%w: %s reached depth %d", program.ErrRecursionLimit, prog.Name, limit)
		}
		level.Debug(env.logger).Log("msg", "recursion limit reached", "program", prog.Name, "depth", limit)
		return program.OutcomeAdvance, nil
	}

	env.depth[prog.Name]++
	c.pushScope()
	f.entered = true
	env.push(&Frame{Program: prog, Recursive: true, depthKey: prog.Name, scoped: true})
	return program.OutcomeEnter, nil
}
