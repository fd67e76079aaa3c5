package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingKey is returned when a row lacks the family's key column.
var ErrMissingKey = errors.New("row missing required key")

// Row is a raw feed row as decoded from the wire.
type Row map[string]any

// String returns the column as a string, or "" if absent or null.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// OptString returns nil for absent, null, or empty columns.
func (r Row) OptString(col string) *string {
	s := r.String(col)
	if s == "" {
		return nil
	}
	return &s
}

// OptFloat parses numeric columns; the wire may deliver them as text.
func (r Row) OptFloat(col string) *float64 {
	var f float64
	switch v := r[col].(type) {
	case nil:
		return nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	default:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(r.String(col)), 64)
		if err != nil {
			return nil
		}
		f = parsed
	}
	return &f
}

// OptInt parses integer columns.
func (r Row) OptInt(col string) *int64 {
	switch v := r[col].(type) {
	case nil:
		return nil
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	case float64:
		n := int64(v)
		return &n
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(r.String(col)), 10, 64)
		if err != nil {
			return nil
		}
		return &n
	}
}

// OptBool parses boolean columns ("t"/"true"/"1" from text wire forms).
func (r Row) OptBool(col string) *bool {
	switch v := r[col].(type) {
	case nil:
		return nil
	case bool:
		return &v
	default:
		b, err := strconv.ParseBool(strings.TrimSpace(r.String(col)))
		if err != nil {
			return nil
		}
		return &b
	}
}

// OptTime parses timestamp columns, accepting driver time values and the
// common text encodings of timestamptz.
func (r Row) OptTime(col string) *time.Time {
	switch v := r[col].(type) {
	case nil:
		return nil
	case time.Time:
		u := v.UTC()
		return &u
	default:
		s := strings.TrimSpace(r.String(col))
		if s == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				u := t.UTC()
				return &u
			}
		}
		return nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// JSON returns a jsonb column as raw JSON, nil when absent or invalid.
func (r Row) JSON(col string) json.RawMessage {
	var raw []byte
	switch v := r[col].(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}

func requireKey(r Row, col string) (string, error) {
	id := strings.TrimSpace(r.String(col))
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, col)
	}
	return id, nil
}
