// Package mempool holds transaction payloads waiting for block inclusion.
// Payloads are opaque; checking them is left to a Validator.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("payload already in mempool")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("payload failed validation")
)

// DefaultMaxSize is the pool capacity used when none is given.
const DefaultMaxSize = 5000

// Validator decides whether a payload may enter the pool.
type Validator interface {
	ValidatePayload(payload []byte) error
}

// entry wraps a payload with its arrival order.
type entry struct {
	payload []byte
	hash    types.Hash
	seq     uint64
}

// Pool holds unconfirmed payloads.
type Pool struct {
	mu        sync.RWMutex
	entries   map[types.Hash]*entry
	seq       uint64
	maxSize   int
	policy    *Policy
	validator Validator // nil accepts everything the policy allows
}

// New creates a new mempool with the given validator and max size.
func New(validator Validator, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		entries:   make(map[types.Hash]*entry),
		maxSize:   maxSize,
		policy:    DefaultPolicy(),
		validator: validator,
	}
}

// SetPolicy replaces the acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// Add validates and adds a payload, returning its hash. A full pool
// refuses new payloads until blocks confirm some.
func (p *Pool) Add(payload []byte) (types.Hash, error) {
	hash := crypto.Hash(payload)

	p.mu.RLock()
	policy := p.policy
	_, exists := p.entries[hash]
	p.mu.RUnlock()
	if exists {
		return hash, ErrAlreadyExists
	}
	if err := policy.Check(payload); err != nil {
		return hash, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if p.validator != nil {
		if err := p.validator.ValidatePayload(payload); err != nil {
			return hash, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[hash]; exists {
		return hash, ErrAlreadyExists
	}
	if len(p.entries) >= p.maxSize {
		return hash, ErrPoolFull
	}
	p.seq++
	p.entries[hash] = &entry{
		payload: append([]byte(nil), payload...),
		hash:    hash,
		seq:     p.seq,
	}
	return hash, nil
}

// Remove removes a payload from the mempool by hash.
func (p *Pool) Remove(hash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, hash)
}

// RemoveConfirmed removes every payload included in blk.
func (p *Pool) RemoveConfirmed(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range blk.TxHashes() {
		delete(p.entries, h)
	}
}

// Has checks if a payload exists in the mempool.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.entries[hash]
	return exists
}

// Get retrieves a payload from the mempool.
func (p *Pool) Get(hash types.Hash) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.entries[hash]
	if !exists {
		return nil
	}
	return e.payload
}

// Count returns the number of payloads in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// sorted returns entries oldest first. Must be called with p.mu held.
func (p *Pool) sorted() []*entry {
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}

// SelectForBlock returns payloads oldest first, up to the given limit.
func (p *Pool) SelectForBlock(limit int) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.sorted()
	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([][]byte, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].payload
	}
	return result
}
