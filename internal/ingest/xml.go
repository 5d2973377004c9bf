package ingest

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bicingtrips-data/pkg/bicing/models"
)

// StationRecord is one <station> element of a Bicing XML feed.
type StationRecord struct {
	ID             int
	Type           string
	Lat            float64
	Lon            float64
	Street         string
	Height         int
	StreetNumber   string
	NearbyStations []int
	Status         string
	Slots          int
	Bikes          int
}

// Reading keeps the fields the trip inference needs.
func (r StationRecord) Reading() models.StationReading {
	return models.StationReading{
		ID:     r.ID,
		Bikes:  r.Bikes,
		Slots:  r.Slots,
		Status: r.Status,
		Lat:    r.Lat,
		Lon:    r.Lon,
	}
}

type xmlFeed struct {
	UpdateTime *string      `xml:"updatetime"`
	Stations   []xmlStation `xml:"station"`
}

type xmlStation struct {
	ID                *string `xml:"id"`
	Type              string  `xml:"type"`
	Lat               *string `xml:"lat"`
	Long              *string `xml:"long"`
	Street            string  `xml:"street"`
	Height            string  `xml:"height"`
	StreetNumber      string  `xml:"streetNumber"`
	NearbyStationList string  `xml:"nearbyStationList"`
	Status            *string `xml:"status"`
	Slots             *string `xml:"slots"`
	Bikes             *string `xml:"bikes"`
}

// ParseXMLFeed decodes one feed document into its update time and records.
func ParseXMLFeed(r io.Reader) (int64, []StationRecord, error) {
	var feed xmlFeed
	if err := xml.NewDecoder(r).Decode(&feed); err != nil {
		return 0, nil, fmt.Errorf("decoding xml: %w", err)
	}
	if feed.UpdateTime == nil {
		return 0, nil, &models.MalformedInputError{Snapshot: -1, Station: -1, Field: "updatetime", Reason: "missing field"}
	}
	ts, err := models.ParseTimestamp([]byte(strings.TrimSpace(*feed.UpdateTime)))
	if err != nil {
		return 0, nil, err
	}

	records := make([]StationRecord, 0, len(feed.Stations))
	for _, st := range feed.Stations {
		rec, err := st.record()
		if err != nil {
			return 0, nil, err
		}
		records = append(records, rec)
	}
	return ts, records, nil
}

// ParseXMLSnapshot decodes one feed document into a snapshot.
func ParseXMLSnapshot(r io.Reader) (models.Snapshot, error) {
	ts, records, err := ParseXMLFeed(r)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{Timestamp: ts, Stations: make([]models.StationReading, 0, len(records))}
	for _, rec := range records {
		reading := rec.Reading()
		if err := reading.Validate(); err != nil {
			return models.Snapshot{}, err
		}
		snap.Stations = append(snap.Stations, reading)
	}
	return snap, nil
}

func (s xmlStation) record() (StationRecord, error) {
	if s.ID == nil {
		return StationRecord{}, &models.MalformedInputError{Snapshot: -1, Station: -1, Field: "id", Reason: "missing field"}
	}
	id, err := strconv.Atoi(strings.TrimSpace(*s.ID))
	if err != nil {
		return StationRecord{}, &models.MalformedInputError{Snapshot: -1, Station: -1, Field: "id", Reason: err.Error()}
	}
	bad := func(field, reason string) error {
		return &models.MalformedInputError{Snapshot: -1, Station: id, Field: field, Reason: reason}
	}

	rec := StationRecord{
		ID:           id,
		Type:         strings.TrimSpace(s.Type),
		Street:       strings.TrimSpace(s.Street),
		StreetNumber: strings.TrimSpace(s.StreetNumber),
	}

	floats := []struct {
		name string
		raw  *string
		dst  *float64
	}{
		{"lat", s.Lat, &rec.Lat},
		{"long", s.Long, &rec.Lon},
	}
	for _, f := range floats {
		if f.raw == nil {
			return StationRecord{}, bad(f.name, "missing field")
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(*f.raw), 64)
		if err != nil {
			return StationRecord{}, bad(f.name, err.Error())
		}
		*f.dst = v
	}

	ints := []struct {
		name string
		raw  *string
		dst  *int
	}{
		{"slots", s.Slots, &rec.Slots},
		{"bikes", s.Bikes, &rec.Bikes},
	}
	for _, f := range ints {
		if f.raw == nil {
			return StationRecord{}, bad(f.name, "missing field")
		}
		v, err := strconv.Atoi(strings.TrimSpace(*f.raw))
		if err != nil {
			return StationRecord{}, bad(f.name, err.Error())
		}
		*f.dst = v
	}

	if s.Status == nil {
		return StationRecord{}, bad("status", "missing field")
	}
	rec.Status = strings.TrimSpace(*s.Status)

	if h := strings.TrimSpace(s.Height); h != "" {
		v, err := strconv.Atoi(h)
		if err != nil {
			return StationRecord{}, bad("height", err.Error())
		}
		rec.Height = v
	}

	for _, part := range strings.Split(s.NearbyStationList, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return StationRecord{}, bad("nearbyStationList", err.Error())
		}
		rec.NearbyStations = append(rec.NearbyStations, v)
	}
	return rec, nil
}
