package metadata

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/grafana/docflow/pkg/engine/program"
)

// PlanFile is the YAML form of a mapping plan.
//
//	document: orders
//	root: root
//	queries:
//	  orders:
//	    statement: SELECT id, total FROM orders WHERE customer = ?
//	    parameters: [customer]
//	    columns: [id, total]
//	programs:
//	  root:
//	    instructions:
//	      - start_document: {encoding: UTF-8}
//	      - open_element: orders
//	      - for_each: {result_set: orders, program: order}
//	      - end_document
//	  order:
//	    recursive: true
//	    instructions:
//	      - element: {name: total, column: orders.total, type: double}
type PlanFile struct {
	Document string                 `yaml:"document"`
	Root     string                 `yaml:"root"`
	Queries  map[string]QueryFile   `yaml:"queries"`
	Programs map[string]ProgramFile `yaml:"programs"`
}

// QueryFile is the YAML form of a nested query descriptor.
type QueryFile struct {
	Source          string   `yaml:"source"`
	Statement       string   `yaml:"statement"`
	Parameters      []string `yaml:"parameters"`
	Staging         bool     `yaml:"staging"`
	RowLimit        int      `yaml:"row_limit"`
	TruncateAtLimit bool     `yaml:"truncate_at_limit"`
	Columns         []string `yaml:"columns"`
}

// ProgramFile is the YAML form of a program.
type ProgramFile struct {
	Recursive    bool              `yaml:"recursive"`
	Instructions []InstructionFile `yaml:"instructions"`
}

// ValueFile selects the source of a value. Column is written as
// "result_set.column".
type ValueFile struct {
	Column    string `yaml:"column,omitempty"`
	Reference string `yaml:"ref,omitempty"`
	Literal   string `yaml:"literal,omitempty"`
	Type      string `yaml:"type,omitempty"`
}

type startDocumentFile struct {
	Encoding string `yaml:"encoding"`
	Pretty   *bool  `yaml:"pretty"`
}

type namedValueFile struct {
	Name      string `yaml:"name"`
	Nillable  bool   `yaml:"nillable"`
	ValueFile `yaml:",inline"`
}

type forEachFile struct {
	ResultSet string `yaml:"result_set"`
	Program   string `yaml:"program"`
}

type conditionFile struct {
	ValueFile `yaml:",inline"`
	Op        string `yaml:"op"`
	Operand   string `yaml:"operand"`
}

type caseFile struct {
	When    conditionFile `yaml:"when"`
	Program string        `yaml:"program"`
}

type chooseFile struct {
	Cases   []caseFile `yaml:"cases"`
	Default string     `yaml:"default"`
}

type recurseFile struct {
	Program      string `yaml:"program"`
	MaxDepth     int    `yaml:"max_depth"`
	ErrorOnLimit bool   `yaml:"error_on_limit"`
}

type processingInstructionFile struct {
	Target string `yaml:"target"`
	Data   string `yaml:"data"`
}

// InstructionFile is the YAML form of one instruction: a mapping with
// exactly one key naming the instruction, or a bare keyword for
// instructions without arguments.
type InstructionFile struct {
	StartDocument         *startDocumentFile         `yaml:"start_document,omitempty"`
	EndDocument           *struct{}                  `yaml:"end_document,omitempty"`
	Execute               string                     `yaml:"execute,omitempty"`
	LoadStaging           string                     `yaml:"load_staging,omitempty"`
	NextRow               string                     `yaml:"next_row,omitempty"`
	CloseResults          string                     `yaml:"close_results,omitempty"`
	OpenElement           string                     `yaml:"open_element,omitempty"`
	CloseElement          *struct{}                  `yaml:"close_element,omitempty"`
	Element               *namedValueFile            `yaml:"element,omitempty"`
	Attribute             *namedValueFile            `yaml:"attribute,omitempty"`
	Text                  *ValueFile                 `yaml:"text,omitempty"`
	Comment               string                     `yaml:"comment,omitempty"`
	ProcessingInstruction *processingInstructionFile `yaml:"processing_instruction,omitempty"`
	Bind                  *namedValueFile            `yaml:"bind,omitempty"`
	ForEach               *forEachFile               `yaml:"for_each,omitempty"`
	Choose                *chooseFile                `yaml:"choose,omitempty"`
	Recurse               *recurseFile               `yaml:"recurse,omitempty"`
	Abort                 string                     `yaml:"abort,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *InstructionFile) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var keyword string
	if err := unmarshal(&keyword); err == nil {
		switch keyword {
		case "start_document":
			f.StartDocument = &startDocumentFile{}
		case "end_document":
			f.EndDocument = &struct{}{}
		case "close_element":
			f.CloseElement = &struct{}{}
		default:
			return fmt.Errorf("instruction %q requires arguments", keyword)
		}
		return nil
	}

	type plain InstructionFile
	return unmarshal((*plain)(f))
}

// ParsePlan decodes and compiles a YAML mapping plan. Unknown fields are
// rejected.
func ParsePlan(data []byte) (*program.Plan, error) {
	var file PlanFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, errors.Wrap(err, "decoding plan")
	}
	return Compile(file)
}

// Compile turns a PlanFile into a validated plan.
func Compile(file PlanFile) (*program.Plan, error) {
	plan := &program.Plan{
		Document: file.Document,
		Root:     file.Root,
		Programs: make(map[string]*program.Program, len(file.Programs)),
		Queries:  make(map[string]program.Query, len(file.Queries)),
	}
	if plan.Root == "" {
		plan.Root = "root"
	}

	for name, q := range file.Queries {
		plan.Queries[name] = program.Query{
			ResultSet:       name,
			Source:          q.Source,
			Statement:       q.Statement,
			Parameters:      q.Parameters,
			Staging:         q.Staging,
			RowLimit:        q.RowLimit,
			TruncateAtLimit: q.TruncateAtLimit,
			Columns:         q.Columns,
		}
	}

	for name, p := range file.Programs {
		prog := &program.Program{
			Name:         name,
			Recursive:    p.Recursive,
			Instructions: make([]program.Instruction, 0, len(p.Instructions)),
		}
		for pc, f := range p.Instructions {
			ins, err := compileInstruction(f)
			if err != nil {
				return nil, errors.Wrapf(err, "program %q instruction %d", name, pc)
			}
			prog.Instructions = append(prog.Instructions, ins)
		}
		plan.Programs[name] = prog
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func compileInstruction(f InstructionFile) (program.Instruction, error) {
	var (
		out []program.Instruction
		err error
	)
	add := func(ins program.Instruction) { out = append(out, ins) }
	value := func(v ValueFile) program.Value {
		val, verr := compileValue(v)
		if verr != nil && err == nil {
			err = verr
		}
		return val
	}

	if f.StartDocument != nil {
		add(program.StartDocument{Encoding: f.StartDocument.Encoding, Pretty: f.StartDocument.Pretty})
	}
	if f.EndDocument != nil {
		add(program.EndDocument{})
	}
	if f.Execute != "" {
		add(program.ExecuteQuery{ResultSet: f.Execute})
	}
	if f.LoadStaging != "" {
		add(program.LoadStaging{ResultSet: f.LoadStaging})
	}
	if f.NextRow != "" {
		add(program.AdvanceCursor{ResultSet: f.NextRow})
	}
	if f.CloseResults != "" {
		add(program.CloseResults{ResultSet: f.CloseResults})
	}
	if f.OpenElement != "" {
		add(program.OpenElement{Name: f.OpenElement})
	}
	if f.CloseElement != nil {
		add(program.CloseElement{})
	}
	if e := f.Element; e != nil {
		add(program.AddElement{Name: e.Name, Value: value(e.ValueFile), Nillable: e.Nillable})
	}
	if a := f.Attribute; a != nil {
		add(program.AddAttribute{Name: a.Name, Value: value(a.ValueFile)})
	}
	if f.Text != nil {
		add(program.AddText{Value: value(*f.Text)})
	}
	if f.Comment != "" {
		add(program.AddComment{Text: f.Comment})
	}
	if pi := f.ProcessingInstruction; pi != nil {
		add(program.AddProcessingInstruction{Target: pi.Target, Data: pi.Data})
	}
	if b := f.Bind; b != nil {
		add(program.BindReference{Name: b.Name, Value: value(b.ValueFile)})
	}
	if fe := f.ForEach; fe != nil {
		add(program.ForEach{ResultSet: fe.ResultSet, Program: fe.Program})
	}
	if c := f.Choose; c != nil {
		choose := program.Choose{Default: c.Default}
		for _, cs := range c.Cases {
			choose.Cases = append(choose.Cases, program.Case{
				When:    program.Condition{Value: value(cs.When.ValueFile), Op: program.Op(cs.When.Op), Operand: cs.When.Operand},
				Program: cs.Program,
			})
		}
		add(choose)
	}
	if r := f.Recurse; r != nil {
		add(program.Recurse{Program: r.Program, MaxDepth: r.MaxDepth, ErrorOnLimit: r.ErrorOnLimit})
	}
	if f.Abort != "" {
		add(program.Abort{Message: f.Abort})
	}

	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return nil, errors.New("empty instruction")
	case 1:
		return out[0], nil
	default:
		return nil, errors.Errorf("%d instructions in one entry", len(out))
	}
}

func compileValue(v ValueFile) (program.Value, error) {
	set := 0
	for _, s := range []string{v.Column, v.Reference, v.Literal} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return program.Value{}, errors.New("value sets more than one of column, ref and literal")
	}

	switch {
	case v.Column != "":
		rs, col, ok := strings.Cut(v.Column, ".")
		if !ok || rs == "" || col == "" {
			return program.Value{}, errors.Errorf("column %q is not of the form result_set.column", v.Column)
		}
		return program.Column(rs, col, v.Type), nil
	case v.Reference != "":
		return program.Value{Reference: v.Reference, Type: v.Type}, nil
	default:
		return program.Value{Literal: v.Literal, Type: v.Type}, nil
	}
}
