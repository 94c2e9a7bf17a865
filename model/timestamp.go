// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 UTC layout used on the wire (yyyy-MM-ddTHH:mm:ss.SSSZ)
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a millisecond precision UTC instant that serializes using TimestampLayout
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds and converts it to UTC
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// Now returns the current time as a Timestamp
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// FromMillis builds a Timestamp from Unix milliseconds (0 means zero time)
func FromMillis(ms int64) Timestamp {
	if ms == 0 {
		return Timestamp{}
	}
	return NewTimestamp(time.UnixMilli(ms))
}

// Millis returns Unix milliseconds, or 0 for the zero time
func (t Timestamp) Millis() int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// String formats t using TimestampLayout
func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses TimestampLayout, falling back to RFC 3339
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return NewTimestamp(parsed), nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", string(data))
	}
	parsed, err := ParseTimestamp(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Diff returns the absolute distance between two timestamps
func Diff(a, b Timestamp) time.Duration {
	d := a.Sub(b.Time)
	if d < 0 {
		return -d
	}
	return d
}
