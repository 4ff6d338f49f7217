package timeutils

import (
	"encoding"
	"time"

	"github.com/spf13/pflag"
)

// ParseableDuration represents a time.Duration that can be read from JSON
// configuration files and from command line flags.
type ParseableDuration time.Duration

var (
	_ encoding.TextUnmarshaler = (*ParseableDuration)(nil)
	_ encoding.TextMarshaler   = ParseableDuration(0)
	_ pflag.Value              = (*ParseableDuration)(nil)
)

// UnmarshalText allows us a convenient way to unmarshal durations.
func (d *ParseableDuration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err == nil {
		*d = ParseableDuration(dur)
	}
	return err
}

func (d ParseableDuration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration is a convenience method for converting this parseable duration into
// a standard time.Duration instance.
func (d ParseableDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d ParseableDuration) String() string {
	return time.Duration(d).String()
}

// Set parses a flag value.
func (d *ParseableDuration) Set(s string) error {
	return d.UnmarshalText([]byte(s))
}

func (d *ParseableDuration) Type() string {
	return "duration"
}

// SpinWait burns CPU until d has elapsed on the monotonic clock. It is meant
// for sub-millisecond pacing where time.Sleep's scheduler jitter would
// dominate, and deliberately never yields.
func SpinWait(d time.Duration) {
	if d <= 0 {
		return
	}
	start := time.Now()
	for time.Since(start) < d {
	}
}

// Stopwatch reports elapsed time since it was started.
type Stopwatch struct {
	start time.Time
}

func StartStopwatch() Stopwatch {
	return Stopwatch{start: time.Now()}
}

func (s Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}

// ElapsedMs returns the elapsed time in whole milliseconds.
func (s Stopwatch) ElapsedMs() int64 {
	return time.Since(s.start).Milliseconds()
}
