package worker

import "fmt"

// State is a worker's lifecycle position. A worker only ever moves forward;
// any state may end in Redundant.
type State int32

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
