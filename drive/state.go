package drive

// State is a drive's position in its lifecycle.
//
//	Unattached -> Probing -> Mounted -> Unmounting -> Disposed
//	              Probing -> Disposed (mount failed)
type State uint32

// Drive states.
const (
	StateUnattached State = iota
	StateProbing
	StateMounted
	StateUnmounting
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateProbing:
		return "probing"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// live reports whether the engine may reach the drive's sectors: during the
// mount probe, while mounted, and during the final flush.
func (s State) live() bool {
	return s == StateProbing || s == StateMounted || s == StateUnmounting
}
