package taskmarket

// ledger is the bounded set of recently seen dedup keys. Insertion order is
// kept so that once the set grows past capacity the oldest half is dropped.
// It is owned by the Router's dispatch loop and is not safe for concurrent use.
type ledger struct {
	capacity int
	seen     map[string]struct{}
	order    []string
}

func newLedger(capacity int) *ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &ledger{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity+1),
		order:    make([]string, 0, capacity+1),
	}
}

func dedupKey(id ID, source Role) string {
	return string(id) + "|" + string(source)
}

// observe records key and reports whether it was new.
func (l *ledger) observe(key string) bool {
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	l.order = append(l.order, key)
	if len(l.order) > l.capacity {
		l.evict(l.capacity / 2)
	}
	return true
}

func (l *ledger) evict(n int) {
	for _, k := range l.order[:n] {
		delete(l.seen, k)
	}
	rest := make([]string, len(l.order)-n, l.capacity+1)
	copy(rest, l.order[n:])
	l.order = rest
}

func (l *ledger) contains(key string) bool {
	_, ok := l.seen[key]
	return ok
}

func (l *ledger) len() int { return len(l.order) }
