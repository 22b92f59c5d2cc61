package chain

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/Klingon-tech/klingnet-relay/internal/storage"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Block processing errors.
var (
	ErrInvalidBlock = errors.New("invalid block")
	ErrBadHeight    = errors.New("height does not follow parent")
	ErrHalted       = errors.New("chain halted")
)

// Result classifies what TryApply did with a block.
type Result uint8

// TryApply results.
const (
	Applied Result = iota + 1
	Orphan
	Duplicate
	Invalid
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Orphan:
		return "orphan"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Outcome reports the result of TryApply.
type Outcome struct {
	Result Result

	// Applied lists the submitted block followed by every orphan it
	// promoted, in application order.
	Applied []*block.Block

	// Missing is the unknown ancestor an orphan is waiting for.
	Missing types.Hash

	// Err explains Invalid outcomes. It wraps ErrHalted once the chain
	// has stopped accepting blocks.
	Err error
}

func invalid(err error) Outcome {
	return Outcome{Result: Invalid, Err: fmt.Errorf("%w: %w", ErrInvalidBlock, err)}
}

// TryApply validates blk and adds it to the index, the orphan pool, or
// neither. The tip only moves to a strictly greater height; equal-height
// competitors are indexed but the first applied stays best.
func (c *Chain) TryApply(blk *block.Block) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if herr := c.Halted(); herr != nil {
		return Outcome{Result: Invalid, Err: fmt.Errorf("%w: %v", ErrHalted, herr)}
	}

	now := c.opts.Now()
	if n := c.orphans.expire(now); n > 0 {
		c.logger.Debug().Int("count", n).Msg("Expired orphans")
	}

	if blk == nil || blk.Header == nil {
		return invalid(block.ErrNilHeader)
	}

	hash := blk.Hash()
	if c.HasBlock(hash) {
		return Outcome{Result: Duplicate}
	}
	if c.orphans.has(hash) {
		return Outcome{Result: Orphan, Missing: c.orphans.root(blk.Header.PrevHash)}
	}

	if err := blk.ValidateAt(now); err != nil {
		return invalid(err)
	}
	if blk.Header.Height == 0 {
		return invalid(fmt.Errorf("%w: height 0 block is not the genesis", ErrBadHeight))
	}

	parent, err := c.blocks.GetBlock(blk.Header.PrevHash)
	if errors.Is(err, storage.ErrNotFound) {
		c.orphans.add(hash, blk, now)
		missing := c.orphans.root(blk.Header.PrevHash)
		c.logger.Debug().
			Str("hash", hash.Short()).
			Uint64("height", blk.Header.Height).
			Str("missing", missing.Short()).
			Int("orphans", c.orphans.len()).
			Msg("Block orphaned")
		return Outcome{Result: Orphan, Missing: missing}
	}
	if err != nil {
		return Outcome{Result: Invalid, Err: c.halt(errors.NewAssertionErrorWithWrappedErrf(err, "load parent of %s", hash.Short()))}
	}
	if err := checkHeight(blk, parent); err != nil {
		return invalid(err)
	}

	if err := c.connect(hash, blk); err != nil {
		return Outcome{Result: Invalid, Err: err}
	}
	applied := []*block.Block{blk}

	// Promote orphans waiting on anything applied so far.
	for i := 0; i < len(applied); i++ {
		p := applied[i]
		for _, child := range c.orphans.takeChildren(p.Hash()) {
			childHash := child.Hash()
			if err := checkHeight(child, p); err != nil {
				c.logger.Warn().Err(err).Str("hash", childHash.Short()).Msg("Dropped orphan")
				continue
			}
			if err := c.connect(childHash, child); err != nil {
				return Outcome{Result: Applied, Applied: applied, Err: err}
			}
			applied = append(applied, child)
		}
	}

	if len(applied) > 1 {
		c.logger.Info().
			Str("hash", hash.Short()).
			Int("promoted", len(applied)-1).
			Msg("Promoted orphans")
	}
	return Outcome{Result: Applied, Applied: applied}
}

func checkHeight(blk, parent *block.Block) error {
	if blk.Header.Height != parent.Header.Height+1 {
		return fmt.Errorf("%w: got %d, parent at %d", ErrBadHeight, blk.Header.Height, parent.Header.Height)
	}
	return nil
}

// connect indexes a block whose parent is indexed and moves the tip when
// the block is higher. All writes of one block land in a single batch.
func (c *Chain) connect(hash types.Hash, blk *block.Block) error {
	b := storage.NewBatch(c.blocks.db)
	if err := c.blocks.PutBlock(b, blk); err != nil {
		return c.halt(errors.NewAssertionErrorWithWrappedErrf(err, "store block %s", hash.Short()))
	}

	old := c.BestTip()
	next := old
	if blk.Header.Height > old.Height {
		switched, err := c.indexBranch(b, blk, old)
		if err != nil {
			return c.halt(errors.NewAssertionErrorWithWrappedErrf(err, "index branch of %s", hash.Short()))
		}
		next = Tip{Hash: hash, Height: blk.Header.Height}
		if err := c.blocks.PutTip(b, next); err != nil {
			return c.halt(errors.NewAssertionErrorWithWrappedErrf(err, "store tip %s", next))
		}
		if switched {
			c.logger.Info().
				Str("old_tip", old.Hash.Short()).
				Str("new_tip", hash.Short()).
				Uint64("height", next.Height).
				Msg("Best chain moved to another branch")
		}
	}

	if err := b.Commit(); err != nil {
		return c.halt(errors.NewAssertionErrorWithWrappedErrf(err, "commit block %s", hash.Short()))
	}

	if next != old {
		c.tip.Store(&next)
		indexed, err := c.blocks.HashByHeight(next.Height)
		if err != nil {
			return c.halt(errors.NewAssertionErrorWithWrappedErrf(err, "read back tip %s", next))
		}
		if indexed != next.Hash {
			return c.halt(errors.AssertionFailedf("tip %s not at indexed height, index has %s", next, indexed.Short()))
		}
	}

	c.logger.Debug().
		Str("hash", hash.Short()).
		Uint64("height", blk.Header.Height).
		Bool("tip", next != old).
		Msg("Block applied")
	return nil
}

// indexBranch writes the height index from blk back to the first block
// already on the best chain. It reports whether the common ancestor is
// below the old tip, i.e. the best chain changed branch.
func (c *Chain) indexBranch(b storage.Batch, blk *block.Block, old Tip) (bool, error) {
	cur := blk
	for {
		h := cur.Header.Height
		curHash := cur.Hash()
		if h <= old.Height {
			indexed, err := c.blocks.HashByHeight(h)
			if err != nil {
				return false, err
			}
			if indexed == curHash {
				return curHash != old.Hash, nil
			}
		}
		if err := c.blocks.PutHeight(b, h, curHash); err != nil {
			return false, err
		}
		if h == 0 {
			return false, fmt.Errorf("branch of %s does not reach genesis", blk.Hash().Short())
		}
		parent, err := c.blocks.GetBlock(cur.Header.PrevHash)
		if err != nil {
			return false, err
		}
		cur = parent
	}
}

// halt records the first invariant violation and stops further applies.
func (c *Chain) halt(cause error) error {
	if c.halted.CompareAndSwap(nil, &haltState{err: cause}) {
		c.logger.Error().Err(cause).Msg("Chain halted")
	}
	return fmt.Errorf("%w: %v", ErrHalted, c.Halted())
}
