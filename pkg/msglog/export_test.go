package msglog

// TrackedSessions returns how many sessions hold an in-memory tail.
func (l *Log) TrackedSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
