package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator generates transaction ids "<prefix>-0001",
// "<prefix>-0002", ... without ever running out.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with a fresh generator produces byte-identical traces.
//
// Unlike engine.FixedGenerator, which returns a planned list and panics when
// exhausted, this generator suits tests that submit an unknown number of
// requests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDGenerator creates a generator. An empty prefix uses "tx".
//
// The prefix is typically set in the scenario YAML:
//
//	transaction_prefix: "l2vpn"
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "tx"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next id.
//
// Implements engine.TxIDGenerator interface.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
