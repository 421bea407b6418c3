package model

import "time"

// Status is the lifecycle status of a container entry.
type Status string

// Container status constants.
const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Removal from the registry (delete) is not a transition; it is validated
// separately against deletableStatuses.
var validTransitions = map[Status]map[Status]bool{
	StatusCreating: {
		StatusCreated: true,
	},
	StatusCreated: {
		StatusRunning: true,
		StatusStopped: true,
	},
	StatusRunning: {
		StatusStopped: true,
	},
}

// deletableStatuses are the statuses from which a container may be removed.
var deletableStatuses = map[Status]bool{
	StatusCreated: true,
	StatusStopped: true,
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Deletable reports whether a container in the given status may be deleted.
func Deletable(s Status) bool {
	return deletableStatuses[s]
}

// Container is one entry in the daemon's container state registry.
type Container struct {
	ID        string    `json:"id"`
	Bundle    string    `json:"bundle"`
	Status    Status    `json:"status"`
	VsockPort uint32    `json:"vsock_port"`
	CreatedAt time.Time `json:"created_at"`
}
