// Package wftime implements the absolute wall-clock timestamp used to
// tag every spectrum row and output tile produced by the waterfall
// pipeline.
package wftime

import (
	"fmt"
	"time"
)

const microsPerSecond = 1_000_000

// TimeStamp is an absolute instant with microsecond resolution, stored
// as a normalized (seconds, microseconds) pair so that arithmetic never
// has to worry about floating point drift over long-running streams.
type TimeStamp struct {
	seconds      int64
	microseconds int32
}

// Now returns the current wall-clock time with microsecond resolution.
func Now() TimeStamp {
	now := time.Now()
	return FromSecondsMicros(now.Unix(), int32(now.Nanosecond()/1000))
}

// FromSecondsMicros builds a TimeStamp from a seconds/microseconds pair,
// normalizing microseconds into [0, 1e6) and carrying the remainder into
// seconds.
func FromSecondsMicros(s int64, us int32) TimeStamp {
	sec := s + int64(us)/microsPerSecond
	rem := int32(int64(us) % microsPerSecond)
	if rem < 0 {
		rem += microsPerSecond
		sec--
	}
	return TimeStamp{seconds: sec, microseconds: rem}
}

// Seconds returns the integer seconds component.
func (t TimeStamp) Seconds() int64 { return t.seconds }

// Microseconds returns the sub-second microseconds component, always in
// [0, 1e6).
func (t TimeStamp) Microseconds() int32 { return t.microseconds }

// ToMilliseconds returns the timestamp as fractional milliseconds since
// the Unix epoch.
func (t TimeStamp) ToMilliseconds() float64 {
	return float64(t.seconds)*1000 + float64(t.microseconds)/1000
}

// AddMicroseconds returns a new TimeStamp advanced by us microseconds
// (us may be negative).
func (t TimeStamp) AddMicroseconds(us int64) TimeStamp {
	total := int64(t.microseconds) + us
	carry := total / microsPerSecond
	rem := total % microsPerSecond
	if rem < 0 {
		rem += microsPerSecond
		carry--
	}
	return TimeStamp{seconds: t.seconds + carry, microseconds: int32(rem)}
}

// AddSamples advances the timestamp by n samples taken at the given
// sample rate, using a 64-bit intermediate so callers stay accurate up
// to roughly 2^40 samples at 48 kHz before any rounding becomes
// observable at microsecond resolution.
func (t TimeStamp) AddSamples(n int64, rate uint32) TimeStamp {
	if rate == 0 {
		return t
	}
	us := (n * microsPerSecond) / int64(rate)
	return t.AddMicroseconds(us)
}

// Format renders the timestamp using a POSIX strftime-style layout. When
// local is false the timestamp is rendered in UTC.
func (t TimeStamp) Format(layout string, local bool) string {
	tm := time.Unix(t.seconds, int64(t.microseconds)*1000)
	if local {
		tm = tm.Local()
	} else {
		tm = tm.UTC()
	}
	return strftime(layout, tm)
}

// String implements fmt.Stringer with an ISO-ish default rendering,
// handy in log lines.
func (t TimeStamp) String() string {
	return fmt.Sprintf("%s.%06dZ", t.Format("%Y-%m-%dT%H:%M:%S", false), t.microseconds)
}

// Before reports whether t occurs strictly before o.
func (t TimeStamp) Before(o TimeStamp) bool {
	if t.seconds != o.seconds {
		return t.seconds < o.seconds
	}
	return t.microseconds < o.microseconds
}

// strftime implements the small subset of POSIX strftime directives the
// waterfall pipeline needs for filenames and FITS headers.
func strftime(layout string, tm time.Time) string {
	out := make([]byte, 0, len(layout)+16)
	for i := 0; i < len(layout); i++ {
		c := layout[i]
		if c != '%' || i+1 >= len(layout) {
			out = append(out, c)
			continue
		}
		i++
		switch layout[i] {
		case 'Y':
			out = append(out, fmt.Sprintf("%04d", tm.Year())...)
		case 'm':
			out = append(out, fmt.Sprintf("%02d", int(tm.Month()))...)
		case 'd':
			out = append(out, fmt.Sprintf("%02d", tm.Day())...)
		case 'H':
			out = append(out, fmt.Sprintf("%02d", tm.Hour())...)
		case 'M':
			out = append(out, fmt.Sprintf("%02d", tm.Minute())...)
		case 'S':
			out = append(out, fmt.Sprintf("%02d", tm.Second())...)
		case '%':
			out = append(out, '%')
		default:
			out = append(out, '%', layout[i])
		}
	}
	return string(out)
}
