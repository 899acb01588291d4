package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/repopilot/repopilot/internal/errors"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNextID_FirstSerial(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	id, err := nextID(map[string]bool{}, fixedClock(now), func(time.Duration) {})
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	if id != "250101-001" {
		t.Errorf("id = %q, want 250101-001", id)
	}
}

func TestNextID_LowestFreeSerial(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	existing := map[string]bool{
		"250101-001": true,
		"250101-002": true,
		"250101-004": true,
	}
	id, err := nextID(existing, fixedClock(now), func(time.Duration) {})
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	if id != "250101-003" {
		t.Errorf("id = %q, want the gap 250101-003", id)
	}
}

func TestNextID_TimestampFallback(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 30, 45, 0, time.UTC)
	existing := make(map[string]bool, maxSerialPerDay)
	for n := 1; n <= maxSerialPerDay; n++ {
		existing[fmt.Sprintf("250101-%03d", n)] = true
	}

	id, err := nextID(existing, fixedClock(now), func(time.Duration) {})
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	if id != "250101_103045" {
		t.Errorf("id = %q, want 250101_103045", id)
	}
}

func TestNextID_FallbackWaitsForNextSecond(t *testing.T) {
	current := time.Date(2025, 1, 1, 10, 30, 45, 500_000_000, time.UTC)
	clock := func() time.Time { return current }
	sleep := func(d time.Duration) { current = current.Add(d) }

	existing := make(map[string]bool, maxSerialPerDay+1)
	for n := 1; n <= maxSerialPerDay; n++ {
		existing[fmt.Sprintf("250101-%03d", n)] = true
	}
	existing["250101_103045"] = true

	id, err := nextID(existing, clock, sleep)
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	if id != "250101_103046" {
		t.Errorf("id = %q, want 250101_103046", id)
	}
}

func TestNextID_ExhaustedWindow(t *testing.T) {
	current := time.Date(2025, 1, 1, 10, 30, 45, 0, time.UTC)
	clock := func() time.Time { return current }
	sleep := func(d time.Duration) {
		// The clock never crosses a free second.
		current = current.Add(d)
	}

	existing := make(map[string]bool)
	for n := 1; n <= maxSerialPerDay; n++ {
		existing[fmt.Sprintf("250101-%03d", n)] = true
	}
	// All timestamps in the wait window are taken too.
	for s := 45; s <= 50; s++ {
		existing[fmt.Sprintf("250101_1030%02d", s)] = true
	}

	_, err := nextID(existing, clock, sleep)
	if !errors.Is(err, errors.ErrIDExhausted) {
		t.Errorf("err = %v, want ErrIDExhausted", err)
	}
}
