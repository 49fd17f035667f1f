// Package tmv implements the fixed-precision signed nanosecond scalar used
// throughout the TC forwarding core for residence-time arithmetic.
package tmv

import "time"

// TMV is a signed count of nanoseconds. Zero value is the additive identity.
type TMV int64

// Zero returns the additive identity.
func Zero() TMV {
	return TMV(0)
}

// Add returns a+b.
func Add(a, b TMV) TMV {
	return a + b
}

// Sub returns a-b.
func Sub(a, b TMV) TMV {
	return a - b
}

// Div returns a/d, truncated toward zero as Go's integer division already does.
func Div(a TMV, d int) TMV {
	return a / TMV(d)
}

// ToTimeInterval converts a TMV to the on-wire 1588 TimeInterval
// representation: scaled nanoseconds, i.e. nanoseconds left-shifted by 16.
func ToTimeInterval(t TMV) int64 {
	return int64(t) << 16
}

// FromTimespec converts a (seconds, nanoseconds) pair, as captured by
// clock_gettime or a hardware timestamp, into a TMV.
func FromTimespec(sec int64, nsec int64) TMV {
	return TMV(sec*1e9 + nsec)
}

// FromTime converts a time.Time's wall-clock nanosecond component the same
// way FromTimespec does, for callers that already hold a time.Time rather
// than a raw (sec, nsec) pair (e.g. a software RX/TX timestamp).
func FromTime(t time.Time) TMV {
	return FromTimespec(t.Unix(), int64(t.Nanosecond()))
}

// Timespec returns the (seconds, nanoseconds) pair for t, the inverse of
// FromTimespec for non-negative values.
func (t TMV) Timespec() (sec int64, nsec int64) {
	return int64(t) / 1e9, int64(t) % 1e9
}

// Duration converts a TMV to a time.Duration for logging/metrics use.
func (t TMV) Duration() time.Duration {
	return time.Duration(t)
}
