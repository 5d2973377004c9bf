package network

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder is returned when a snapshot is older than the last processed one.
var ErrOutOfOrder = errors.New("snapshot out of timestamp order")

// UnknownNodeError reports a mutation addressed to a station that was never created.
type UnknownNodeError struct {
	ID int
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown station node %d", e.ID)
}

// MissingWindowError reports a station pair without a travel window.
type MissingWindowError struct {
	From int
	To   int
}

func (e *MissingWindowError) Error() string {
	return fmt.Sprintf("no travel window between stations %d and %d", e.From, e.To)
}
