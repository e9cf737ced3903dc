// Package state persists the identity map, incremental watermarks and run
// reports across invocations.
package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is wrapped by every failure to reach the backing store.
// The run coordinator treats it as run-fatal.
var ErrUnavailable = errors.New("state store unavailable")

// ErrRunNotFound is returned by GetRun for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// timeFormat sorts lexically in chronological order for UTC values.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
}
