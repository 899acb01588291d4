package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/repopilot/repopilot/internal/model"
)

// EventLogPath returns the NDJSON event log path for a task.
func (s *Store) EventLogPath(taskID string) string {
	return filepath.Join(s.logsDir, taskID+".ndjson")
}

// AppendEvent appends one event to the task's log and returns its
// sequence number. The next seq is discovered by rescanning the file
// under the per-task lock; correctness over speed.
func (s *Store) AppendEvent(taskID, eventType string, fields map[string]any) (int, error) {
	path := s.EventLogPath(taskID)

	var seq int
	err := s.withLock("log-"+taskID, func() error {
		nextSeq := 1
		if events, _, err := readEventFile(path, 0); err == nil {
			for _, ev := range events {
				if ev.Seq >= nextSeq {
					nextSeq = ev.Seq + 1
				}
			}
		}

		entry := model.Event{
			Seq:    nextSeq,
			TS:     model.NowISO(),
			Type:   eventType,
			Fields: fields,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer f.Close()

		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		seq = nextSeq
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadEvents returns events with seq greater than cursor and the new
// cursor (the highest seq seen in the file, or the input cursor for a
// missing or empty log).
func (s *Store) ReadEvents(taskID string, cursor int) ([]model.Event, int, error) {
	return readEventFile(s.EventLogPath(taskID), cursor)
}

func readEventFile(path string, cursor int) ([]model.Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Event{}, cursor, nil
		}
		return nil, cursor, err
	}
	defer f.Close()

	events := []model.Event{}
	maxCursor := cursor
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Seq > maxCursor {
			maxCursor = ev.Seq
		}
		if ev.Seq > cursor {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, cursor, err
	}
	return events, maxCursor, nil
}
