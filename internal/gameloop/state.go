package gameloop

// State is the lifecycle state of the loop.
type State int32

const (
	// StateIdle waits for a control command; no transport work happens.
	StateIdle State = iota
	// StateLoading drives transports while the application prepares a match.
	StateLoading
	// StatePlaying drives transports while a match runs.
	StatePlaying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Command is an external control instruction.
type Command int

const (
	// CommandLoad moves Idle to Loading.
	CommandLoad Command = iota + 1
	// CommandPlay moves Loading to Playing.
	CommandPlay
	// CommandReset returns any active state to Idle.
	CommandReset
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandLoad:
		return "load"
	case CommandPlay:
		return "play"
	case CommandReset:
		return "reset"
	default:
		return "unknown"
	}
}

// transition returns the state cmd leads to from s, and false if cmd is not
// valid in s.
func transition(s State, cmd Command) (State, bool) {
	switch {
	case cmd == CommandLoad && s == StateIdle:
		return StateLoading, true
	case cmd == CommandPlay && s == StateLoading:
		return StatePlaying, true
	case cmd == CommandReset && s != StateIdle:
		return StateIdle, true
	default:
		return s, false
	}
}
