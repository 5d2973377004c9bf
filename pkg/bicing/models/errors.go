package models

import (
	"errors"
	"fmt"
	"strings"
)

// MalformedInputError reports a snapshot or station reading that cannot be
// used. Snapshot and Station are -1 when unknown.
type MalformedInputError struct {
	Snapshot  int
	Timestamp int64
	Station   int
	Field     string
	Reason    string
}

func (e *MalformedInputError) Error() string {
	var sb strings.Builder
	sb.WriteString("malformed input")
	if e.Snapshot >= 0 {
		sb.WriteString(fmt.Sprintf(": snapshot %d (t=%d)", e.Snapshot, e.Timestamp))
	} else if e.Timestamp != 0 {
		sb.WriteString(fmt.Sprintf(": snapshot t=%d", e.Timestamp))
	}
	if e.Station >= 0 {
		sb.WriteString(fmt.Sprintf(": station %d", e.Station))
	}
	if e.Field != "" {
		sb.WriteString(fmt.Sprintf(": field %q", e.Field))
	}
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	return sb.String()
}

// AtSnapshot returns a copy of the error located at the given snapshot.
func (e *MalformedInputError) AtSnapshot(index int, ts int64) *MalformedInputError {
	c := *e
	c.Snapshot = index
	c.Timestamp = ts
	return &c
}

func asMalformed(err error, target **MalformedInputError) bool {
	return errors.As(err, target)
}
