package store

import (
	"fmt"
	"time"

	"github.com/repopilot/repopilot/internal/errors"
)

const (
	maxSerialPerDay = 999
	idAllocWindow   = 3 * time.Second
)

// nextID allocates an identifier not present in existing. The primary form
// is "YYMMDD-NNN" with the lowest free three-digit serial for the current
// date. Once a day's serials are exhausted it falls back to the timestamp
// form "YYMMDD_HHMMSS", waiting for the next second boundary when the
// current second is taken, bounded by idAllocWindow.
func nextID(existing map[string]bool, clock func() time.Time, sleep func(time.Duration)) (string, error) {
	date := clock().Format("060102")
	for n := 1; n <= maxSerialPerDay; n++ {
		candidate := fmt.Sprintf("%s-%03d", date, n)
		if !existing[candidate] {
			return candidate, nil
		}
	}

	deadline := clock().Add(idAllocWindow)
	for {
		now := clock()
		candidate := now.Format("060102_150405")
		if !existing[candidate] {
			return candidate, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return "", errors.ErrIDExhausted
		}

		toNextSecond := time.Second - time.Duration(now.Nanosecond())
		wait := toNextSecond
		if wait > remaining {
			wait = remaining
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		sleep(wait)
	}
}

// allocateID is nextID with the real clock.
func allocateID(existing map[string]bool) (string, error) {
	return nextID(existing, time.Now, time.Sleep)
}
