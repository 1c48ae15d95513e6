package crdt

import "encoding/json"

// LWWRegister is a last-writer-wins register. Conflicting writes resolve
// to the entry with the greater (Timestamp, WriterID) lexicographic pair;
// WriterID breaks ties so that merge stays deterministic when two nodes
// write at the same instant.
type LWWRegister struct {
	Value json.RawMessage `json:"value"`

	// Timestamp is the writer's clock in nanoseconds since the epoch.
	Timestamp int64 `json:"timestamp"`

	// WriterID identifies the node that performed the write.
	WriterID string `json:"writer_id"`
}

// Set returns a register holding value written by writerID at timestamp.
func (r LWWRegister) Set(value json.RawMessage, timestamp int64, writerID string) LWWRegister {
	return LWWRegister{Value: value, Timestamp: timestamp, WriterID: writerID}
}

// MergeLWW keeps the entry with the greater (Timestamp, WriterID) pair.
func MergeLWW(current, incoming LWWRegister) LWWRegister {
	if incoming.Timestamp > current.Timestamp {
		return incoming
	}
	if incoming.Timestamp == current.Timestamp && incoming.WriterID > current.WriterID {
		return incoming
	}
	return current
}
