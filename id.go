package bearmemori

import (
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the canonical timestamp format for storage and wire
// payloads. Fixed-width milliseconds in UTC, so TEXT comparison in
// SQLite orders the same way time.Time does.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Now returns the current UTC time truncated to millisecond precision,
// the resolution TimeLayout can represent.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout as well as any RFC 3339 variant.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
