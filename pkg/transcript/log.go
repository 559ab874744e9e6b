// Package transcript holds the append-only log of recognized speech fragments for a session.
package transcript

import "sync"

// Fragment is one unit of recognized speech text, in arrival order.
type Fragment = string

// Log is an ordered, append-only sequence of fragments.
// Appends are serialized; readers always observe a consistent prefix.
type Log struct {
	mu        sync.RWMutex
	fragments []Fragment
}

func New() *Log {
	return &Log{}
}

// Append adds a fragment at the end of the log.
func (l *Log) Append(f Fragment) {
	l.mu.Lock()
	l.fragments = append(l.fragments, f)
	l.mu.Unlock()
}

// Snapshot returns a copy of every fragment appended so far.
func (l *Log) Snapshot() []Fragment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Fragment, len(l.fragments))
	copy(out, l.fragments)
	return out
}

// Tail returns a copy of the last n fragments (fewer if the log is shorter).
func (l *Log) Tail(n int) []Fragment {
	if n <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := len(l.fragments) - n
	if start < 0 {
		start = 0
	}
	out := make([]Fragment, len(l.fragments)-start)
	copy(out, l.fragments[start:])
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fragments)
}
