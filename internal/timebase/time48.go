// Package timebase implements the 48-bit millisecond UTC time representation
// shared by the mesh Time and Action models.
package timebase

import "time"

// Time48 is a 48-bit unsigned count of milliseconds since 1970-01-01T00:00:00Z.
// Only the low 48 bits are significant.
type Time48 uint64

const (
	// Mask48 keeps the low 48 bits of a value.
	Mask48 = 1<<48 - 1

	// SkewThreshold is the difference in milliseconds above which two
	// clocks are considered out of sync.
	SkewThreshold = 250

	// ReferenceEpoch is 2015-01-01T00:00:00Z in Unix seconds. Action start
	// times are expressed in seconds since this instant.
	ReferenceEpoch = 1420070400
)

// Timezone limits, in 15-minute units.
const (
	MinTimezone = -48
	MaxTimezone = 48
)

// FromWords builds a Time48 from three 16-bit words, least significant first.
func FromWords(w [3]uint16) Time48 {
	return Time48(uint64(w[0]) | uint64(w[1])<<16 | uint64(w[2])<<32)
}

// Words splits t into three 16-bit words, least significant first.
func (t Time48) Words() [3]uint16 {
	return [3]uint16{uint16(t), uint16(t >> 16), uint16(t >> 32)}
}

// Add returns t+ms modulo 2^48.
func (t Time48) Add(ms uint64) Time48 {
	return Time48((uint64(t) + ms) & Mask48)
}

// Sub returns t-u modulo 2^48.
func (t Time48) Sub(u Time48) uint64 {
	return (uint64(t) - uint64(u)) & Mask48
}

// Less reports whether t < u, comparing only the low 48 bits.
func (t Time48) Less(u Time48) bool {
	return uint64(t)&Mask48 < uint64(u)&Mask48
}

// SkewExceeds reports whether a and b differ by more than SkewThreshold ms.
func SkewExceeds(a, b Time48) bool {
	if a.Less(b) {
		return b.Sub(a) > SkewThreshold
	}
	return a.Sub(b) > SkewThreshold
}

// ValidTimezone reports whether tz is within [MinTimezone, MaxTimezone].
func ValidTimezone(tz int) bool {
	return tz >= MinTimezone && tz <= MaxTimezone
}

// SecondsSinceReference converts t to whole seconds since ReferenceEpoch.
// Times before the reference epoch map to zero.
func SecondsSinceReference(t Time48) uint32 {
	secs := (uint64(t) & Mask48) / 1000
	if secs < ReferenceEpoch {
		return 0
	}
	secs -= ReferenceEpoch
	if secs > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(secs)
}

// FromTime converts a wall-clock time to Time48.
func FromTime(t time.Time) Time48 {
	return Time48(uint64(t.UnixMilli()) & Mask48)
}

// Time converts t to a time.Time in UTC.
func (t Time48) Time() time.Time {
	return time.UnixMilli(int64(uint64(t) & Mask48)).UTC()
}

// TimezoneOffset converts a timezone in 15-minute units to a duration.
func TimezoneOffset(tz int8) time.Duration {
	return time.Duration(tz) * 15 * time.Minute
}
