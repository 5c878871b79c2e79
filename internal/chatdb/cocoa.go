package chatdb

import "time"

// cocoaEpoch is the reference instant for chat.db timestamps:
// 2001-01-01T00:00:00Z. The date column stores integer nanoseconds
// since this instant.
var cocoaEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// FromCocoa converts a raw nanosecond timestamp to UTC. Zero and
// negative values are valid and map to the epoch or earlier.
func FromCocoa(ns int64) time.Time {
	return cocoaEpoch.Add(time.Duration(ns))
}

// ToCocoa converts a time to raw chat.db nanoseconds.
func ToCocoa(t time.Time) int64 {
	return t.Sub(cocoaEpoch).Nanoseconds()
}

// DaysAgoCocoa returns the cocoa cutoff for "n days before now".
func DaysAgoCocoa(days int) int64 {
	return ToCocoa(time.Now().UTC().AddDate(0, 0, -days))
}
