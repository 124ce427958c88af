// Package testutil provides deterministic test doubles shared across
// package tests: sequential ID generation and handler fakes with
// scripted outcomes.
package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator returns "<prefix>-000001", "<prefix>-000002", ...
// so test assertions can name entities without capturing generated IDs.
//
// Thread-safe: dispatch runs matched triggers concurrently.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int
}

// NewSequenceIDGenerator creates a generator with the given prefix. An
// empty prefix defaults to "id".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// NewID implements engine.IDGenerator.
func (g *SequenceIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%06d", g.prefix, g.seq)
}
