package model

import "github.com/oklog/ulid/v2"

// NewRequestID generates a new ULID string used to tag one RPC request in logs
// and on the wire.
func NewRequestID() string {
	return ulid.Make().String()
}
