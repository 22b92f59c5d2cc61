package chain

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

type orphan struct {
	blk   *block.Block
	added time.Time
}

// orphanPool holds blocks whose parent is not indexed yet, keyed by hash
// and indexed by previous hash. Entries are never refreshed, so the cache
// evicts in insertion order. Only the chain mutex holder mutates the pool;
// the cache itself is safe for concurrent readers.
type orphanPool struct {
	cache    *lru.Cache[types.Hash, orphan]
	byParent map[types.Hash][]types.Hash
	ttl      time.Duration
}

func newOrphanPool(size int, ttl time.Duration) *orphanPool {
	p := &orphanPool{
		byParent: make(map[types.Hash][]types.Hash),
		ttl:      ttl,
	}
	// Size is validated by Options, so NewWithEvict cannot fail.
	p.cache, _ = lru.NewWithEvict[types.Hash, orphan](size, p.onEvict)
	return p
}

// onEvict unlinks a removed or evicted orphan from the parent index.
func (p *orphanPool) onEvict(hash types.Hash, o orphan) {
	parent := o.blk.Header.PrevHash
	children := p.byParent[parent]
	for i, h := range children {
		if h == hash {
			children = append(children[:i], children[i+1:]...)
			break
		}
	}
	if len(children) == 0 {
		delete(p.byParent, parent)
	} else {
		p.byParent[parent] = children
	}
}

// add pools blk. It reports false when blk was already pooled.
func (p *orphanPool) add(hash types.Hash, blk *block.Block, now time.Time) bool {
	if p.cache.Contains(hash) {
		return false
	}
	parent := blk.Header.PrevHash
	p.byParent[parent] = append(p.byParent[parent], hash)
	p.cache.Add(hash, orphan{blk: blk, added: now})
	return true
}

func (p *orphanPool) has(hash types.Hash) bool {
	return p.cache.Contains(hash)
}

func (p *orphanPool) len() int {
	return p.cache.Len()
}

// takeChildren removes and returns every orphan whose parent is hash, in
// arrival order.
func (p *orphanPool) takeChildren(hash types.Hash) []*block.Block {
	ids := append([]types.Hash(nil), p.byParent[hash]...)
	out := make([]*block.Block, 0, len(ids))
	for _, id := range ids {
		if o, ok := p.cache.Peek(id); ok {
			out = append(out, o.blk)
		}
		p.cache.Remove(id)
	}
	return out
}

// root walks pooled ancestors back from prev and returns the first hash
// that is not pooled: the block that must be fetched.
func (p *orphanPool) root(prev types.Hash) types.Hash {
	for i := 0; i <= p.cache.Len(); i++ {
		o, ok := p.cache.Peek(prev)
		if !ok {
			return prev
		}
		prev = o.blk.Header.PrevHash
	}
	return prev
}

// expire drops orphans older than the TTL. Keys are ordered oldest first.
func (p *orphanPool) expire(now time.Time) int {
	if p.ttl <= 0 {
		return 0
	}
	n := 0
	for _, id := range p.cache.Keys() {
		o, ok := p.cache.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(o.added) < p.ttl {
			break
		}
		p.cache.Remove(id)
		n++
	}
	return n
}
