package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// StatusOperational marks a station that is open for rentals.
const StatusOperational = "OPN"

// Coordinates is a WGS-84 position in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StationReading is the state of one station in one snapshot.
type StationReading struct {
	ID     int     `json:"id"`
	Bikes  int     `json:"bikes"`
	Slots  int     `json:"slots"`
	Status string  `json:"status"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"long"`
}

// Coordinates returns the geographic position of the station.
func (r StationReading) Coordinates() Coordinates {
	return Coordinates{Lat: r.Lat, Lon: r.Lon}
}

// IsOperational reports whether the station status is OPN.
func (r StationReading) IsOperational() bool {
	return r.Status == StatusOperational
}

// Validate checks the value ranges of an already decoded reading.
func (r StationReading) Validate() error {
	switch {
	case r.Bikes < 0:
		return &MalformedInputError{Snapshot: -1, Station: r.ID, Field: "bikes", Reason: "negative count"}
	case r.Slots < 0:
		return &MalformedInputError{Snapshot: -1, Station: r.ID, Field: "slots", Reason: "negative count"}
	case math.IsNaN(r.Lat) || math.IsInf(r.Lat, 0):
		return &MalformedInputError{Snapshot: -1, Station: r.ID, Field: "lat", Reason: "not a finite number"}
	case math.IsNaN(r.Lon) || math.IsInf(r.Lon, 0):
		return &MalformedInputError{Snapshot: -1, Station: r.ID, Field: "long", Reason: "not a finite number"}
	}
	return nil
}

// rawReading mirrors StationReading with pointers so absent keys can be told
// apart from zero values.
type rawReading struct {
	ID     *int     `json:"id"`
	Bikes  *int     `json:"bikes"`
	Slots  *int     `json:"slots"`
	Status *string  `json:"status"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"long"`
}

// UnmarshalJSON rejects readings with missing required keys.
func (r *StationReading) UnmarshalJSON(b []byte) error {
	var raw rawReading
	if err := json.Unmarshal(b, &raw); err != nil {
		return &MalformedInputError{Snapshot: -1, Station: -1, Reason: err.Error()}
	}
	if raw.ID == nil {
		return &MalformedInputError{Snapshot: -1, Station: -1, Field: "id", Reason: "missing field"}
	}
	id := *raw.ID
	missing := func(field string) error {
		return &MalformedInputError{Snapshot: -1, Station: id, Field: field, Reason: "missing field"}
	}
	switch {
	case raw.Bikes == nil:
		return missing("bikes")
	case raw.Slots == nil:
		return missing("slots")
	case raw.Status == nil:
		return missing("status")
	case raw.Lat == nil:
		return missing("lat")
	case raw.Lon == nil:
		return missing("long")
	}
	*r = StationReading{
		ID:     id,
		Bikes:  *raw.Bikes,
		Slots:  *raw.Slots,
		Status: *raw.Status,
		Lat:    *raw.Lat,
		Lon:    *raw.Lon,
	}
	return r.Validate()
}

// Snapshot is every station reading observed at one instant.
type Snapshot struct {
	Timestamp int64
	Stations  []StationReading
}

// MarshalJSON encodes the snapshot as a [timestamp, stations] pair.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	stations := s.Stations
	if stations == nil {
		stations = []StationReading{}
	}
	return json.Marshal([]interface{}{s.Timestamp, stations})
}

// UnmarshalJSON decodes a [timestamp, stations] pair.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return &MalformedInputError{Snapshot: -1, Station: -1, Reason: fmt.Sprintf("snapshot is not a pair: %v", err)}
	}
	if len(pair) != 2 {
		return &MalformedInputError{Snapshot: -1, Station: -1, Reason: fmt.Sprintf("snapshot has %d elements, want 2", len(pair))}
	}
	ts, err := ParseTimestamp(pair[0])
	if err != nil {
		return err
	}
	var stations []StationReading
	if err := json.Unmarshal(pair[1], &stations); err != nil {
		var mErr *MalformedInputError
		if asMalformed(err, &mErr) {
			return mErr
		}
		return &MalformedInputError{Snapshot: -1, Station: -1, Field: "stations", Reason: err.Error()}
	}
	s.Timestamp = ts
	s.Stations = stations
	return nil
}
