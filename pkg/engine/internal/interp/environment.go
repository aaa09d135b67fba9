// Package interp executes document programs one instruction at a time.
//
// An Environment holds the frame stack and the document of one production, a
// Context holds its cursors, executor bindings and reference variables. Step
// executes the instruction at the program counter of the top frame; Run calls
// Step until the stack is empty, an instruction suspends, or an error occurs.
package interp

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"

	"github.com/grafana/docflow/pkg/document"
	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/lexical"
)

// DefaultMaxRecursionDepth is used when neither the instruction nor the
// limits set a recursion depth.
const DefaultMaxRecursionDepth = 10

// Limits bound the work of one production.
type Limits struct {
	// MaxRecursionDepth limits nested Recurse frames per program.
	MaxRecursionDepth int
	// DefaultRowLimit applies to queries without their own limit. 0 disables it.
	DefaultRowLimit int
}

// Override holds per-request format settings. Empty fields do not override.
type Override struct {
	Encoding string
	Pretty   *bool
}

// Frame is one entry of the frame stack.
type Frame struct {
	Program   *program.Program
	PC        int
	Recursive bool

	// entered is set once the current instruction has started. Instructions
	// that push child frames see it again after the child is popped.
	entered bool
	// depthKey names the program whose recursion depth this frame counts.
	depthKey string
	// scoped frames own a cursor scope of the Context.
	scoped bool
}

// Exhausted reports whether the program counter is past the last instruction.
func (f *Frame) Exhausted() bool { return f.PC >= len(f.Program.Instructions) }

// Config configures a new Environment.
type Config struct {
	Plan       *program.Plan
	Sink       document.Sink
	Translator *lexical.Translator
	Defaults   document.Format
	Override   Override
	Limits     Limits
	Logger     log.Logger
	Hooks      Hooks
}

// Environment is the per-production state of the frame engine.
type Environment struct {
	plan       *program.Plan
	sink       document.Sink
	translator *lexical.Translator
	defaults   document.Format
	override   Override
	limits     Limits
	logger     log.Logger
	hooks      Hooks

	stack  []*Frame
	doc    *document.Builder
	staged map[string]struct{}
	depth  map[string]int
}

// NewEnvironment validates cfg and pushes the plan's root program.
func NewEnvironment(cfg Config) (*Environment, error) {
	if cfg.Plan == nil {
		return nil, errors.New("plan is nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is nil")
	}
	root, err := cfg.Plan.RootProgram()
	if err != nil {
		return nil, err
	}
	if cfg.Translator == nil {
		cfg.Translator = lexical.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = nopHooks{}
	}
	if cfg.Limits.MaxRecursionDepth <= 0 {
		cfg.Limits.MaxRecursionDepth = DefaultMaxRecursionDepth
	}

	env := &Environment{
		plan:       cfg.Plan,
		sink:       cfg.Sink,
		translator: cfg.Translator,
		defaults:   cfg.Defaults,
		override:   cfg.Override,
		limits:     cfg.Limits,
		logger:     cfg.Logger,
		hooks:      cfg.Hooks,
		staged:     make(map[string]struct{}),
		depth:      make(map[string]int),
	}
	env.push(&Frame{Program: root, Recursive: root.Recursive})
	return env, nil
}

// Plan returns the plan being executed.
func (env *Environment) Plan() *program.Plan { return env.plan }

// Empty reports whether the frame stack is empty.
func (env *Environment) Empty() bool { return len(env.stack) == 0 }

// Depth returns the number of frames on the stack.
func (env *Environment) Depth() int { return len(env.stack) }

// Top returns the current frame, or nil.
func (env *Environment) Top() *Frame {
	if len(env.stack) == 0 {
		return nil
	}
	return env.stack[len(env.stack)-1]
}

// Document returns the open document, or nil.
func (env *Environment) Document() *document.Builder { return env.doc }

// Staged reports whether the staging result has been loaded.
func (env *Environment) Staged(resultSet string) bool {
	_, ok := env.staged[resultSet]
	return ok
}

// InRecursiveFrame reports whether any frame on the stack is recursive.
func (env *Environment) InRecursiveFrame() bool {
	for _, f := range env.stack {
		if f.Recursive {
			return true
		}
	}
	return false
}

func (env *Environment) push(f *Frame) {
	env.stack = append(env.stack, f)
}

func (env *Environment) pop() *Frame {
	f := env.stack[len(env.stack)-1]
	env.stack[len(env.stack)-1] = nil
	env.stack = env.stack[:len(env.stack)-1]
	if f.depthKey != "" {
		env.depth[f.depthKey]--
	}
	return f
}

// resolveFormat applies the precedence request override > mapping declared
// default > global default.
func (env *Environment) resolveFormat(i program.StartDocument) document.Format {
	format := env.defaults
	if i.Encoding != "" {
		format.Encoding = i.Encoding
	}
	if i.Pretty != nil {
		format.Pretty = *i.Pretty
	}
	if env.override.Encoding != "" {
		format.Encoding = env.override.Encoding
	}
	if env.override.Pretty != nil {
		format.Pretty = *env.override.Pretty
	}
	return format
}

func (env *Environment) rowLimit(q program.Query) int {
	switch {
	case q.RowLimit > 0:
		return q.RowLimit
	case q.RowLimit < 0:
		return 0
	default:
		return env.limits.DefaultRowLimit
	}
}

func (env *Environment) document() (*document.Builder, error) {
	if env.doc == nil || env.doc.Finished() {
		return nil, program.ErrNoDocument
	}
	return env.doc, nil
}

func (env *Environment) program(name string) (*program.Program, error) {
	prog, err := env.plan.Program(name)
	if err != nil {
		return nil, fmt.Errorf("resolving program: %w", err)
	}
	return prog, nil
}
