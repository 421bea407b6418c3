package model

import "time"

// Event is one persisted lifecycle-journal record: a single operation applied
// to a container and the status transition it caused. Removal events carry an
// empty ToStatus.
type Event struct {
	ID          int64     `json:"id"`
	ContainerID string    `json:"container_id"`
	Operation   string    `json:"operation"`
	FromStatus  Status    `json:"from_status,omitempty"`
	ToStatus    Status    `json:"to_status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
