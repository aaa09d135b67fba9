// Package program defines the instruction programs executed by the document
// production engine, the plans that group them and the outcome and error
// taxonomy shared by the engine and its collaborators.
package program

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Program is an ordered list of instructions. Recursive programs are always
// executed in recursive frames.
type Program struct {
	Name         string
	Instructions []Instruction
	Recursive    bool
}

// Query describes the nested query bound to a result set name.
type Query struct {
	// ResultSet is the name instructions use to refer to the query's rows.
	ResultSet string
	// Source selects the executor source the query runs on.
	Source string
	// Statement is passed to the source verbatim.
	Statement string
	// Parameters are the reference variables passed to the query, in order.
	Parameters []string
	// Staging marks a query loaded by LoadStaging.
	Staging bool
	// RowLimit caps the number of rows read from the result set. 0 uses the
	// engine default, a negative value disables the limit.
	RowLimit int
	// TruncateAtLimit ends the result set at RowLimit instead of failing.
	TruncateAtLimit bool
	// Columns optionally names the result columns. Executors that know their
	// columns take precedence.
	Columns []string
}

// Plan is a complete mapping plan of one document.
type Plan struct {
	Document string
	Root     string
	Programs map[string]*Program
	Queries  map[string]Query
}

var (
	ErrUnknownProgram   = errors.New("unknown program")
	ErrUnknownResultSet = errors.New("unknown result set")
	ErrInvalidPlan      = errors.New("invalid plan")
)

// RootProgram returns the program production starts with.
func (p *Plan) RootProgram() (*Program, error) {
	return p.Program(p.Root)
}

// Program returns the named program.
func (p *Plan) Program(name string) (*Program, error) {
	prog, ok := p.Programs[name]
	if !ok || prog == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownProgram, name)
	}
	return prog, nil
}

// Query returns the query bound to resultSet.
func (p *Plan) Query(resultSet string) (Query, error) {
	q, ok := p.Queries[resultSet]
	if !ok {
		return Query{}, fmt.Errorf("%w %q", ErrUnknownResultSet, resultSet)
	}
	if q.ResultSet == "" {
		q.ResultSet = resultSet
	}
	return q, nil
}

// Validate checks that every program and result set referenced by an
// instruction exists.
func (p *Plan) Validate() error {
	if _, err := p.RootProgram(); err != nil {
		return fmt.Errorf("%w: root: %w", ErrInvalidPlan, err)
	}
	for _, name := range p.programNames() {
		prog := p.Programs[name]
		for pc, instr := range prog.Instructions {
			if err := p.validateInstruction(instr); err != nil {
				return fmt.Errorf("%w: program %q instruction %d (%s): %w", ErrInvalidPlan, name, pc, instr, err)
			}
		}
	}
	return nil
}

func (p *Plan) validateInstruction(instr Instruction) error {
	resultSet := func(name string) error {
		_, err := p.Query(name)
		return err
	}
	value := func(v Value) error {
		if v.IsColumn() {
			return resultSet(v.ResultSet)
		}
		return nil
	}
	program := func(name string) error {
		_, err := p.Program(name)
		return err
	}

	switch i := instr.(type) {
	case ExecuteQuery:
		return resultSet(i.ResultSet)
	case LoadStaging:
		q, err := p.Query(i.ResultSet)
		if err != nil {
			return err
		}
		if !q.Staging {
			return fmt.Errorf("result set %q is not a staging result", i.ResultSet)
		}
		if len(q.Parameters) > 0 {
			return fmt.Errorf("staging result %q cannot take parameters", i.ResultSet)
		}
	case AdvanceCursor:
		return resultSet(i.ResultSet)
	case CloseResults:
		return resultSet(i.ResultSet)
	case OpenElement:
		if i.Name == "" {
			return errors.New("empty element name")
		}
	case AddElement:
		if i.Name == "" {
			return errors.New("empty element name")
		}
		return value(i.Value)
	case AddAttribute:
		if i.Name == "" {
			return errors.New("empty attribute name")
		}
		return value(i.Value)
	case AddText:
		return value(i.Value)
	case BindReference:
		return value(i.Value)
	case ForEach:
		if err := resultSet(i.ResultSet); err != nil {
			return err
		}
		return program(i.Program)
	case Choose:
		for _, c := range i.Cases {
			if !c.When.Op.Valid() {
				return fmt.Errorf("invalid condition operator %q", c.When.Op)
			}
			if err := value(c.When.Value); err != nil {
				return err
			}
			if err := program(c.Program); err != nil {
				return err
			}
		}
		if i.Default != "" {
			return program(i.Default)
		}
	case Recurse:
		if i.MaxDepth < 0 {
			return fmt.Errorf("negative max depth %d", i.MaxDepth)
		}
		return program(i.Program)
	}
	return nil
}

func (p *Plan) programNames() []string {
	names := make([]string, 0, len(p.Programs))
	for name := range p.Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String prints the plan as one block per program, root first.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PLAN %s\n", p.Document)

	names := p.programNames()
	sort.SliceStable(names, func(i, j int) bool { return names[i] == p.Root && names[j] != p.Root })
	for _, name := range names {
		prog := p.Programs[name]
		flag := ""
		if prog.Recursive {
			flag = " (recursive)"
		}
		fmt.Fprintf(&sb, "PROGRAM %s%s\n", name, flag)
		for pc, instr := range prog.Instructions {
			fmt.Fprintf(&sb, "  %3d %s\n", pc, instr)
		}
	}
	return sb.String()
}
