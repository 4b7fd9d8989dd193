package state

// tradeSet is a bounded recency set with FIFO eviction
type tradeSet struct {
	capacity int
	seen     map[string]struct{}
	order    []string
	next     int
}

func newTradeSet(capacity int) *tradeSet {
	if capacity < 1 {
		capacity = 1
	}
	return &tradeSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// add records key and reports whether it was new
func (s *tradeSet) add(key string) bool {
	if _, dup := s.seen[key]; dup {
		return false
	}
	if len(s.order) < s.capacity {
		s.order = append(s.order, key)
	} else {
		delete(s.seen, s.order[s.next])
		s.order[s.next] = key
		s.next = (s.next + 1) % s.capacity
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *tradeSet) len() int {
	return len(s.seen)
}

// resize keeps the most recent entries that fit the new capacity
func (s *tradeSet) resize(capacity int) {
	if capacity < 1 || capacity == s.capacity {
		return
	}
	ordered := make([]string, 0, len(s.order))
	ordered = append(ordered, s.order[s.next:]...)
	ordered = append(ordered, s.order[:s.next]...)
	if len(ordered) > capacity {
		ordered = ordered[len(ordered)-capacity:]
	}

	fresh := newTradeSet(capacity)
	for _, k := range ordered {
		fresh.add(k)
	}
	*s = *fresh
}
