package interp

import "github.com/grafana/docflow/pkg/engine/program"

// Hooks observe execution. Implementations must not block.
type Hooks interface {
	InstructionExecuted(kind string, outcome program.Outcome)
	Suspended(resultSet string)
	StagingLoaded(resultSet string)
	RowRead(resultSet string)
}

type nopHooks struct{}

func (nopHooks) InstructionExecuted(string, program.Outcome) {}
func (nopHooks) Suspended(string) {}
func (nopHooks) StagingLoaded(string) {}
func (nopHooks) RowRead(string) {}
