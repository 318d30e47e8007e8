package pipeline

// State is the position of a run in the fixed stage sequence.
type State string

const (
	// StateNotStarted is a run that has not begun reasoning.
	StateNotStarted State = "not_started"
	// StateReasoning indicates the reasoner is running.
	StateReasoning State = "reasoning"
	// StatePlanning indicates the planner is running.
	StatePlanning State = "planning"
	// StateGenerating indicates the generator is running.
	StateGenerating State = "generating"
	// StateReviewing indicates the reviewer is running.
	StateReviewing State = "reviewing"
	// StateDone indicates all four artifacts were produced.
	StateDone State = "done"
	// StateFailed indicates a stage failed; the run produced no further artifacts.
	StateFailed State = "failed"
)

// Stages lists the four stage states in execution order.
var Stages = []State{StateReasoning, StatePlanning, StateGenerating, StateReviewing}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known pipeline state.
func (s State) IsValid() bool {
	switch s {
	case StateNotStarted, StateReasoning, StatePlanning, StateGenerating,
		StateReviewing, StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// IsStage returns true for the four states in which an agent runs.
func (s State) IsStage() bool {
	switch s {
	case StateReasoning, StatePlanning, StateGenerating, StateReviewing:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for Done and Failed.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransitionTo returns true if the state can transition to the target state.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateNotStarted:
		return target == StateReasoning || target == StateFailed
	case StateReasoning:
		return target == StatePlanning || target == StateFailed
	case StatePlanning:
		return target == StateGenerating || target == StateFailed
	case StateGenerating:
		return target == StateReviewing || target == StateFailed
	case StateReviewing:
		return target == StateDone || target == StateFailed
	case StateDone, StateFailed:
		return false // Terminal states
	default:
		return false
	}
}

// Label returns the heading a stage is presented under.
func (s State) Label() string {
	switch s {
	case StateReasoning:
		return "Reasoner Agent"
	case StatePlanning:
		return "Planner Agent"
	case StateGenerating:
		return "Generation Agent"
	case StateReviewing:
		return "Reviewer Agent"
	default:
		return ""
	}
}

// next returns the state that follows a completed stage.
func (s State) next() State {
	switch s {
	case StateNotStarted:
		return StateReasoning
	case StateReasoning:
		return StatePlanning
	case StatePlanning:
		return StateGenerating
	case StateGenerating:
		return StateReviewing
	case StateReviewing:
		return StateDone
	default:
		return s
	}
}
