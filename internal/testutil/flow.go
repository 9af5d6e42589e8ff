package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/kindstore/internal/ident"
)

// idNamespace seeds the UUIDs handed out by SequentialIDs.
var idNamespace = ident.MustParse("6f1c2d4e-8a3b-5c7d-9e0f-1a2b3c4d5e6f")

// SequentialIDs generates item UUIDs derived from a seed and a counter.
//
// The same seed yields the same sequence, so a scenario that creates items in
// the same order gets byte-identical item ids and golden traces. Pass Next to
// repo.WithIDs.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu   sync.Mutex
	seed string
	n    int
}

// NewSequentialIDs creates a generator for seed. If seed is empty,
// "test-ids-default" is used.
func NewSequentialIDs(seed string) *SequentialIDs {
	if seed == "" {
		seed = "test-ids-default"
	}
	return &SequentialIDs{seed: seed}
}

// Next returns the next UUID in the sequence.
func (g *SequentialIDs) Next() ident.UUID {
	g.mu.Lock()
	g.n++
	n := g.n
	g.mu.Unlock()
	return ident.Named(idNamespace, fmt.Sprintf("%s/%d", g.seed, n))
}
