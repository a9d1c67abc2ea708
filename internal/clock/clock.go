// Package clock provides duration parsing, cancellable sleeps and a
// monotonic millisecond clock for the load engine.
package clock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse converts a duration expression into a time.Duration.
//
// Accepted forms:
//   - "<number><unit>" where unit is one of ms, s, m, h (e.g. "500ms", "2m")
//   - a bare number (string, int or float), interpreted as seconds
//
// Parse is the single entry point for every duration field in a test
// configuration, so think times, ramp-ups and timeouts all share the
// same grammar.
func Parse(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		return parseString(v)
	default:
		return 0, fmt.Errorf("cannot parse duration from %T", value)
	}
}

func parseString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Bare numeric input defaults to seconds.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}

	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
	}

	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		num := strings.TrimSuffix(s, u.suffix)
		// "1m" must not match the "ms" branch via "1" + "m"; suffix
		// ordering above guarantees "ms" is tried first, so a trailing
		// "s" here means the number part still ends in a digit.
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			continue
		}
		return time.Duration(f * float64(u.unit)), nil
	}

	return 0, fmt.Errorf("invalid duration %q: expected <number><ms|s|m|h>", s)
}

// MustParse is Parse for trusted literals. It panics on error and is
// intended for tests and package defaults only.
func MustParse(value interface{}) time.Duration {
	d, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return d
}

// NowMillis returns the current wall time in milliseconds. Readings are
// backed by Go's monotonic clock, so differences between two calls are
// safe against wall-clock adjustments.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// It returns ctx.Err() when the sleep was interrupted; callers must
// propagate that error so the cancellation reaches the load pattern.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
