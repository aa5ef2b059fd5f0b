package dataget

import "fmt"

// Action is what a transfer does after the probe.
type Action int

const (
	// ActionFresh downloads from offset zero into a new file.
	ActionFresh Action = iota
	// ActionSkip leaves a complete local file alone.
	ActionSkip
	// ActionResume appends to the local file from its current size.
	ActionResume
	// ActionRestart discards the local file and downloads from zero.
	ActionRestart
)

func (a Action) String() string {
	switch a {
	case ActionFresh:
		return "fresh"
	case ActionSkip:
		return "skip"
	case ActionResume:
		return "resume"
	case ActionRestart:
		return "restart"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// LocalState is what is on disk at the target path.
type LocalState struct {
	Exists bool
	Size   int64
}

// Decision is the outcome of the resume policy.
type Decision struct {
	Action Action
	Offset int64
	Reason string
}

// UnknownSize marks a remote size that the server did not report.
const UnknownSize int64 = -1

// Decide maps local and remote state to an action. trustUnknown lets an
// existing file stand when the server reports no size; without it such
// files are downloaded again in full.
func Decide(local LocalState, remoteSize int64, rangeable, trustUnknown bool) Decision {
	if !local.Exists {
		return Decision{Action: ActionFresh, Reason: "no local file"}
	}
	if remoteSize < 0 {
		if trustUnknown {
			return Decision{Action: ActionSkip, Reason: "remote size unknown, keeping existing file"}
		}
		return Decision{Action: ActionRestart, Reason: "remote size unknown, downloading again"}
	}
	switch {
	case local.Size == remoteSize:
		return Decision{Action: ActionSkip, Reason: "already complete"}
	case local.Size > remoteSize:
		return Decision{Action: ActionRestart, Reason: fmt.Sprintf("local file larger than remote (%d > %d)", local.Size, remoteSize)}
	case local.Size == 0:
		return Decision{Action: ActionRestart, Reason: "empty local file"}
	case rangeable:
		return Decision{Action: ActionResume, Offset: local.Size, Reason: fmt.Sprintf("resuming at byte %d", local.Size)}
	default:
		return Decision{Action: ActionRestart, Reason: "server does not support range requests"}
	}
}
