package model

import "github.com/oklog/ulid/v2"

// NewEventID generates a new ULID string for use as an event identifier.
// ULIDs sort by creation time, which keeps SSE event ids monotonic.
func NewEventID() string {
	return ulid.Make().String()
}
