// Package chain implements the block index, best tip and orphan pool.
package chain

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/storage"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Tip identifies the head of the best chain. The zero value means no chain.
type Tip struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
}

// IsZero reports whether the tip is unset.
func (t Tip) IsZero() bool {
	return t.Hash.IsZero() && t.Height == 0
}

func (t Tip) String() string {
	return fmt.Sprintf("%s@%d", t.Hash.Short(), t.Height)
}

// Options tunes a chain.
type Options struct {
	MaxOrphans int           // Orphan pool capacity (default 100).
	OrphanTTL  time.Duration // Orphan lifetime (default 10m); negative disables expiry.

	// Now is the clock used for timestamp validation and orphan expiry.
	Now func() time.Time

	Logger *zerolog.Logger // Defaults to the chain component logger.
}

// Default option values.
const (
	DefaultMaxOrphans = 100
	DefaultOrphanTTL  = 10 * time.Minute
)

func (o *Options) setDefaults() {
	if o.MaxOrphans <= 0 {
		o.MaxOrphans = DefaultMaxOrphans
	}
	if o.OrphanTTL == 0 {
		o.OrphanTTL = DefaultOrphanTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		l := klog.Chain
		o.Logger = &l
	}
}

// ErrGenesisMismatch is returned by New when the database holds a
// different genesis block.
var ErrGenesisMismatch = errors.New("genesis block mismatch")

// Chain is the local block index: every validated block, the best tip and
// the pool of blocks waiting for their parent.
type Chain struct {
	mu      sync.Mutex // Serialises TryApply.
	blocks  *BlockStore
	orphans *orphanPool
	genesis *block.Block
	genHash types.Hash
	opts    Options
	logger  zerolog.Logger

	tip    atomic.Pointer[Tip]
	halted atomic.Pointer[haltState]
}

type haltState struct {
	err error
}

// New opens the chain stored in db. A fresh database is initialised with
// the genesis block; a database holding another genesis is rejected.
func New(db storage.DB, genesis *block.Block, opts Options) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if genesis == nil || genesis.Header == nil {
		return nil, fmt.Errorf("genesis block is nil")
	}
	if genesis.Header.Height != 0 || !genesis.Header.PrevHash.IsZero() {
		return nil, fmt.Errorf("genesis block must have height 0 and zero prev hash")
	}
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis block: %w", err)
	}
	opts.setDefaults()

	c := &Chain{
		blocks:  NewBlockStore(db),
		orphans: newOrphanPool(opts.MaxOrphans, opts.OrphanTTL),
		genesis: genesis,
		genHash: genesis.Hash(),
		opts:    opts,
		logger:  *opts.Logger,
	}

	tip, err := c.blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	if tip.IsZero() {
		if err := c.initGenesis(); err != nil {
			return nil, err
		}
		tip = Tip{Hash: c.genHash, Height: 0}
	} else {
		stored, err := c.blocks.HashByHeight(0)
		if err != nil {
			return nil, fmt.Errorf("recover genesis: %w", err)
		}
		if stored != c.genHash {
			return nil, fmt.Errorf("%w: stored %s, expected %s", ErrGenesisMismatch, stored.Short(), c.genHash.Short())
		}
		indexed, err := c.blocks.HashByHeight(tip.Height)
		if err != nil {
			return nil, fmt.Errorf("recover tip %s: %w", tip, err)
		}
		if indexed != tip.Hash {
			return nil, fmt.Errorf("tip %s not at indexed height (index has %s)", tip, indexed.Short())
		}
	}

	c.tip.Store(&tip)
	c.logger.Info().
		Str("tip", tip.Hash.Short()).
		Uint64("height", tip.Height).
		Msg("Chain opened")
	return c, nil
}

func (c *Chain) initGenesis() error {
	b := storage.NewBatch(c.blocks.db)
	if err := c.blocks.PutBlock(b, c.genesis); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := c.blocks.PutHeight(b, 0, c.genHash); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := c.blocks.PutTip(b, Tip{Hash: c.genHash}); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	return nil
}

// BestTip returns the current best tip without taking the chain lock.
func (c *Chain) BestTip() Tip {
	return *c.tip.Load()
}

// Genesis returns the genesis block.
func (c *Chain) Genesis() *block.Block {
	return c.genesis
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() types.Hash {
	return c.genHash
}

// GetBlock returns an indexed block by hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// HasBlock reports whether hash is indexed. Storage errors read as false.
func (c *Chain) HasBlock(hash types.Hash) bool {
	ok, err := c.blocks.HasBlock(hash)
	if err != nil {
		c.logger.Warn().Err(err).Str("hash", hash.Short()).Msg("Block lookup failed")
		return false
	}
	return ok
}

// BlockByHeight returns the best-chain block at height.
func (c *Chain) BlockByHeight(height uint64) (*block.Block, error) {
	if height > c.BestTip().Height {
		return nil, fmt.Errorf("height %d above tip: %w", height, storage.ErrNotFound)
	}
	return c.blocks.GetBlockByHeight(height)
}

// IsOrphan reports whether hash is waiting in the orphan pool.
func (c *Chain) IsOrphan(hash types.Hash) bool {
	return c.orphans.has(hash)
}

// OrphanCount returns the number of pooled orphans.
func (c *Chain) OrphanCount() int {
	return c.orphans.len()
}

// Halted returns the invariant violation that stopped the chain, or nil.
func (c *Chain) Halted() error {
	if h := c.halted.Load(); h != nil {
		return h.err
	}
	return nil
}
