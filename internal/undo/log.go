// Package undo records revert closures for in-memory mutations so that a
// batch which fails halfway can be rolled back to its starting state.
//
// A Log is owned by the core goroutine and is not safe for concurrent use.
// Stores accept a nil *Log; mutations made through a nil log are permanent
// (snapshot restore, test setup).
package undo

// Log is a stack of revert closures.
type Log struct {
	entries []func()
	depth   int
}

func New() *Log {
	return &Log{entries: make([]func(), 0, 64)}
}

// Record pushes revert, which must restore exactly what the caller is about
// to overwrite.
func (l *Log) Record(revert func()) {
	if l == nil || l.depth == 0 {
		return
	}
	l.entries = append(l.entries, revert)
}

// Snapshot opens a (possibly nested) revert scope and returns its id.
func (l *Log) Snapshot() int {
	l.depth++
	return len(l.entries)
}

// RevertTo undoes every mutation recorded after id, newest first, and closes
// the scope opened by the matching Snapshot.
func (l *Log) RevertTo(id int) {
	if id < 0 || id > len(l.entries) {
		panic("FATAL: undo snapshot id out of range")
	}
	for i := len(l.entries) - 1; i >= id; i-- {
		l.entries[i]()
		l.entries[i] = nil
	}
	l.entries = l.entries[:id]
	l.close()
}

// Commit closes the innermost scope and keeps its mutations. Entries are
// dropped once the outermost scope commits.
func (l *Log) Commit() {
	l.close()
	if l.depth == 0 {
		clear(l.entries)
		l.entries = l.entries[:0]
	}
}

// Active reports whether a scope is open.
func (l *Log) Active() bool {
	return l != nil && l.depth > 0
}

func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

func (l *Log) close() {
	if l.depth == 0 {
		panic("FATAL: undo scope closed twice")
	}
	l.depth--
}

// SetMapEntry stores m[k] = v, recording the previous entry (or its absence).
func SetMapEntry[K comparable, V any](l *Log, m map[K]V, k K, v V) {
	prev, existed := m[k]
	l.Record(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// DeleteMapEntry removes m[k], recording the previous entry.
func DeleteMapEntry[K comparable, V any](l *Log, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	l.Record(func() { m[k] = prev })
	delete(m, k)
}

// SetValue stores v into *p, recording the previous value.
func SetValue[T any](l *Log, p *T, v T) {
	prev := *p
	l.Record(func() { *p = prev })
	*p = v
}
