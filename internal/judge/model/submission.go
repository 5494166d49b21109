// Package model defines the shared data types flowing between the workers,
// the job stream, and the state recorder.
package model

// State is the lifecycle state of a submission.
type State string

const (
	StatePending          State = "pending"
	StateCompiling        State = "compiling"
	StateCompiled         State = "compiled"
	StateCompilationError State = "compilation_error"
	StateQueuePending     State = "queue_pending"
	StateJudging          State = "judging"
	StateAccepted         State = "accepted"
	StateWrongAnswer      State = "wrong_answer"
	StateTimeLimit        State = "time_limit"
	StateMemoryLimit      State = "memory_limit"
	StateRuntimeError     State = "runtime_error"
	StateOutputLimit      State = "output_limit"
	StateSystemError      State = "system_error"
)

// Terminal reports whether the state is immutable. A terminal submission is
// never re-judged by the core.
func (s State) Terminal() bool {
	switch s {
	case StateCompilationError, StateAccepted, StateWrongAnswer, StateTimeLimit,
		StateMemoryLimit, StateRuntimeError, StateOutputLimit, StateSystemError:
		return true
	default:
		return false
	}
}

// AtOrPastCompiled reports whether the compile step already ran to
// completion for this submission. Duplicate compile deliveries skip on it.
func (s State) AtOrPastCompiled() bool {
	if s.Terminal() {
		return true
	}
	switch s {
	case StateCompiled, StateQueuePending, StateJudging:
		return true
	default:
		return false
	}
}
