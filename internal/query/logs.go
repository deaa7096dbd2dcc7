package query

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// logRecord is one captured log line as served on /logs.
type logRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`

	level logrus.Level
}

// logStore is a logrus hook that keeps the last N info-and-above lines in a
// ring.
type logStore struct {
	mu     sync.RWMutex
	ring   []logRecord
	next   int
	full   bool
	closed bool
}

func newLogStore(size int) *logStore {
	if size <= 0 {
		size = 200
	}
	return &logStore{ring: make([]logRecord, size)}
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels[:logrus.InfoLevel+1]
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(entry.Data))
		}
		// Errors marshal to {} otherwise.
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		rec.Fields[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.ring[s.next] = rec
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// snapshot returns the stored records at or above minLevel, oldest first.
func (s *logStore) snapshot(minLevel logrus.Level) []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.ring[:s.next]
	if s.full {
		ordered = append(append([]logRecord(nil), s.ring[s.next:]...), s.ring[:s.next]...)
	}
	out := make([]logRecord, 0, len(ordered))
	for _, r := range ordered {
		if r.level <= minLevel {
			out = append(out, r)
		}
	}
	return out
}

func (s *logStore) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
