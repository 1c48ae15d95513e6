package crdt

// GCounter is a grow-only counter: each contributing node tracks its own
// partial count, and the counter's value is the sum across nodes.
type GCounter struct {
	// Counts maps node ID to that node's partial count.
	Counts map[string]int64 `json:"counts"`
}

// NewGCounter creates an empty grow-only counter.
func NewGCounter() GCounter {
	return GCounter{Counts: make(map[string]int64)}
}

// Add increments the given node's partial count and returns the updated
// counter. Negative deltas are ignored; a grow-only counter never
// decreases.
func (c GCounter) Add(nodeID string, delta int64) GCounter {
	if delta <= 0 {
		return c.clone()
	}
	out := c.clone()
	out.Counts[nodeID] += delta
	return out
}

// Value returns the total count: the sum of all per-node entries.
func (c GCounter) Value() int64 {
	var total int64
	for _, n := range c.Counts {
		total += n
	}
	return total
}

func (c GCounter) clone() GCounter {
	out := GCounter{Counts: make(map[string]int64, len(c.Counts))}
	for node, n := range c.Counts {
		out.Counts[node] = n
	}
	return out
}

// MergeGCounter merges two grow-only counters: the union of per-node
// entries, taking the higher count per node.
func MergeGCounter(a, b GCounter) GCounter {
	out := a.clone()
	for node, n := range b.Counts {
		if n > out.Counts[node] {
			out.Counts[node] = n
		}
	}
	return out
}

// PNCounter is a counter supporting increments and decrements, built from
// two grow-only counters. Value = positive − negative.
type PNCounter struct {
	Positive GCounter `json:"positive"`
	Negative GCounter `json:"negative"`
}

// NewPNCounter creates an empty positive/negative counter.
func NewPNCounter() PNCounter {
	return PNCounter{Positive: NewGCounter(), Negative: NewGCounter()}
}

// Add applies a signed delta on behalf of the given node and returns the
// updated counter.
func (c PNCounter) Add(nodeID string, delta int64) PNCounter {
	switch {
	case delta > 0:
		return PNCounter{Positive: c.Positive.Add(nodeID, delta), Negative: c.Negative.clone()}
	case delta < 0:
		return PNCounter{Positive: c.Positive.clone(), Negative: c.Negative.Add(nodeID, -delta)}
	default:
		return PNCounter{Positive: c.Positive.clone(), Negative: c.Negative.clone()}
	}
}

// Value returns positive total minus negative total.
func (c PNCounter) Value() int64 {
	return c.Positive.Value() - c.Negative.Value()
}

// MergePNCounter merges two positive/negative counters by merging both
// underlying grow-only counters.
func MergePNCounter(a, b PNCounter) PNCounter {
	return PNCounter{
		Positive: MergeGCounter(a.Positive, b.Positive),
		Negative: MergeGCounter(a.Negative, b.Negative),
	}
}
