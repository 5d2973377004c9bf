package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ParseTimestamp decodes a JSON number holding whole seconds since the epoch.
// Quoted values and numbers with a fractional part are rejected.
func ParseTimestamp(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil || len(b) == 0 || b[0] == '"' {
		return 0, &MalformedInputError{Snapshot: -1, Station: -1, Field: "timestamp", Reason: fmt.Sprintf("non-numeric timestamp %s", string(b))}
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, &MalformedInputError{Snapshot: -1, Station: -1, Field: "timestamp", Reason: fmt.Sprintf("timestamp %s is not whole seconds", n.String())}
	}
	return int64(f), nil
}
