package dispatch

// State is the dispatcher's position in a single run.
type State int32

const (
	Idle State = iota
	ParsingArgs
	ResolvingCommand
	AwaitingDevice
	Executing
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ParsingArgs:
		return "parsing_args"
	case ResolvingCommand:
		return "resolving_command"
	case AwaitingDevice:
		return "awaiting_device"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted || s == Failed
}
