package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"
)

// rfc3339Milli is the wire format for every timestamp the service emits:
// ISO-8601 UTC with millisecond precision.
const rfc3339Milli = "2006-01-02T15:04:05.000Z"

// Time wraps time.Time so that JSON payloads carry ISO-8601 UTC timestamps
// with millisecond precision while database scans keep working through sqlx.
type Time struct {
	time.Time
}

// Now returns the current instant as a models.Time in UTC.
func Now() Time {
	return Time{Time: time.Now().UTC()}
}

// At wraps an existing time.Time.
func At(t time.Time) Time {
	return Time{Time: t.UTC()}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(rfc3339Milli))), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		if string(data) == "null" {
			t.Time = time.Time{}
			return nil
		}
		return fmt.Errorf("invalid timestamp %q: %w", data, err)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Value implements driver.Valuer so Time columns round-trip through sqlx.
func (t Time) Value() (driver.Value, error) {
	return t.Time, nil
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into models.Time", src)
	}
}
