package refresher

// State is the lifecycle position of a refresh task.
type State int

const (
	// StateCreated is a registered task waiting for a worker slot. Suppressed handles stay in this state.
	StateCreated State = iota
	// StateRunning is a task whose provider fetch or delivery is in progress.
	StateRunning
	// StateCompleted is a task that delivered its snapshot, including a snapshot that carries a connection failure.
	StateCompleted
	// StateFailed is a task that ended with an error and delivered nothing.
	StateFailed
	// StateCancelled is a task that was cancelled before its snapshot was delivered.
	StateCancelled
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateRunning:   "running",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

// String method returns the lower case name of the state as it appears in logs and stored task records.
// Values outside the known states are reported as "unknown".
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// canTransition enforces Created -> Running -> {Completed, Failed, Cancelled}. A task may also be cancelled or
// fail before it ever starts running, e.g. when it is cancelled while waiting for a worker.
func (s State) canTransition(next State) bool {
	switch s {
	case StateCreated:
		return next == StateRunning || next == StateCancelled || next == StateFailed
	case StateRunning:
		return next.IsTerminal()
	default:
		return false
	}
}
