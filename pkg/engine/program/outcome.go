package program

// Outcome is the result of executing one instruction.
type Outcome uint8

const (
	OutcomeInvalid Outcome = iota // zero-value is never returned

	// OutcomeAdvance means the instruction completed and the frame's program
	// counter moved to the next instruction.
	OutcomeAdvance
	// OutcomeEnter means the instruction pushed a child frame. The parent's
	// program counter is unchanged until the child frame is exhausted.
	OutcomeEnter
	// OutcomeSuspend means required data is not available yet. Nothing was
	// changed and the same instruction must be executed again later.
	OutcomeSuspend
	// OutcomeDone means the current frame was exhausted and popped.
	OutcomeDone
	// OutcomeError means the production failed and must be aborted.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvance:
		return "advance"
	case OutcomeEnter:
		return "enter"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeDone:
		return "done"
	case OutcomeError:
		return "error"
	default:
		return "invalid"
	}
}
