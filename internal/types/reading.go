// Package types defines the core data model shared by the ingest pipeline
// and the storage engine: readings and reading sets.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NowLiteral is the user_ts sentinel that devices may send instead of a
// concrete timestamp. It is substituted with the current UTC time at
// persistence, not at ingest.
const NowLiteral = "now()"

// Reading is one tagged data point from a sensor. AssetCode names the
// producing asset, UserTS is the device-side timestamp, Payload is the
// raw JSON datapoint object. ID and TS are assigned by the storage engine
// on persistence and are zero until then.
type Reading struct {
	ID        int64           `json:"id,omitempty"`
	AssetCode string          `json:"asset_code"`
	UserTS    time.Time       `json:"user_ts"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"reading"`
}

// ingestReading is the wire form accepted on the ingest surface, where
// user_ts is a string that may be "now()".
type ingestReading struct {
	AssetCode string          `json:"asset_code"`
	UserTS    string          `json:"user_ts"`
	Payload   json.RawMessage `json:"reading"`
}

// IngestPayload is the JSON document pushed by south-side plugins.
type IngestPayload struct {
	Readings []*Reading `json:"readings"`
}

// UnmarshalJSON accepts the ingest wire form. A reading with an
// unparseable timestamp or a missing asset code is rejected here so the
// caller can count it as discarded without aborting the batch. The
// "now()" literal leaves UserTS zero; it stays unresolved until the
// storage engine assigns the server timestamp.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var w ingestReading
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.AssetCode == "" {
		return fmt.Errorf("reading missing asset_code")
	}
	ts, err := ParseUserTS(w.UserTS)
	if err != nil {
		return err
	}
	r.AssetCode = w.AssetCode
	r.UserTS = ts
	r.Payload = w.Payload
	return nil
}

// MarshalJSON renders the reading in the storage wire form with
// microsecond UTC timestamps.
func (r *Reading) MarshalJSON() ([]byte, error) {
	out := struct {
		ID        int64           `json:"id,omitempty"`
		AssetCode string          `json:"asset_code"`
		UserTS    string          `json:"user_ts"`
		TS        string          `json:"ts,omitempty"`
		Payload   json.RawMessage `json:"reading"`
	}{
		ID:        r.ID,
		AssetCode: r.AssetCode,
		UserTS:    FormatTS(r.UserTS),
		Payload:   r.Payload,
	}
	if !r.TS.IsZero() {
		out.TS = FormatTS(r.TS)
	}
	return json.Marshal(out)
}

// userTSLayouts are the accepted device timestamp forms, most precise
// first. The offset-less layouts are interpreted as UTC.
var userTSLayouts = []string{
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseUserTS parses a device-supplied user_ts. The literal "now()" (or
// an empty value) yields the zero time: the storage engine substitutes
// the current UTC time when the reading is actually written, not here.
// Zone-less values are taken as UTC.
func ParseUserTS(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, NowLiteral) {
		return time.Time{}, nil
	}
	for _, layout := range userTSLayouts {
		if strings.Contains(layout, "-07") {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable user_ts %q", s)
}

// FormatTS renders a timestamp in the storage format: microsecond
// precision, UTC, no zone suffix.
func FormatTS(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000")
}
