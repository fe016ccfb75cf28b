package session

import (
	"sync"
	"time"
)

// Tag classifies an event log entry by origin.
type Tag string

const (
	// TagYou marks the user's own words, as transcribed or typed.
	TagYou Tag = "you"
	// TagModel marks assistant responses.
	TagModel Tag = "model"
	// TagSystem marks lifecycle notices (connected, reconnecting, ...).
	TagSystem Tag = "system"
	// TagError marks failures surfaced to the user.
	TagError Tag = "error"
)

// Entry is one line of the session log.
type Entry struct {
	Tag       Tag
	Text      string
	Timestamp time.Time
}

// EventLog is a bounded, chronological record of everything said and
// everything that happened during a session. When full, the oldest entries
// are evicted. Safe for concurrent use.
type EventLog struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	onEntry func(Entry)
}

const defaultLogCapacity = 500

// NewEventLog creates a log holding at most max entries; max <= 0 uses the
// default capacity. onEntry may be nil; if set, it is called synchronously
// for every appended entry, e.g. to mirror the log to a terminal.
func NewEventLog(max int, onEntry func(Entry)) *EventLog {
	if max <= 0 {
		max = defaultLogCapacity
	}
	return &EventLog{max: max, onEntry: onEntry}
}

// Append adds an entry with the current time.
func (l *EventLog) Append(tag Tag, text string) {
	l.AppendAt(tag, text, time.Now())
}

// AppendAt adds an entry with an explicit timestamp, used when the provider
// supplies its own transcript timing.
func (l *EventLog) AppendAt(tag Tag, text string, ts time.Time) {
	e := Entry{Tag: tag, Text: text, Timestamp: ts}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		over := len(l.entries) - l.max
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	onEntry := l.onEntry
	l.mu.Unlock()

	if onEntry != nil {
		onEntry(e)
	}
}

// Entries returns a copy of the log in chronological order.
func (l *EventLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of retained entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
