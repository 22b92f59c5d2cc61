package node

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-relay/internal/chain"
)

// TipSource reports a best tip, local or remote.
type TipSource interface {
	Tip(ctx context.Context) (chain.Tip, error)
}

// TipFunc adapts a function to TipSource.
type TipFunc func(ctx context.Context) (chain.Tip, error)

// Tip calls f.
func (f TipFunc) Tip(ctx context.Context) (chain.Tip, error) { return f(ctx) }

// AwaitConvergence polls every source until they all report the same tip
// and returns it. It fails with ErrConvergenceTimeout once timeout passes.
func AwaitConvergence(ctx context.Context, sources []TipSource, timeout time.Duration) (chain.Tip, error) {
	if len(sources) == 0 {
		return chain.Tip{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(convergencePoll)
	defer ticker.Stop()

	var last []chain.Tip
	var lastErr error
	for {
		tips, err := sampleTips(ctx, sources)
		if err == nil && converged(tips) {
			return tips[0], nil
		}
		if err != nil {
			lastErr = err
		} else {
			last = tips
		}

		select {
		case <-ctx.Done():
			if lastErr != nil && last == nil {
				return chain.Tip{}, fmt.Errorf("%w after %s: %w", ErrConvergenceTimeout, timeout, lastErr)
			}
			return chain.Tip{}, fmt.Errorf("%w after %s: %v", ErrConvergenceTimeout, timeout, last)
		case <-ticker.C:
		}
	}
}

// sampleTimeout bounds one tip query so a silent peer cannot stall a poll.
const sampleTimeout = time.Second

func sampleTips(ctx context.Context, sources []TipSource) ([]chain.Tip, error) {
	tips := make([]chain.Tip, len(sources))
	for i, src := range sources {
		sctx, cancel := context.WithTimeout(ctx, sampleTimeout)
		tip, err := src.Tip(sctx)
		cancel()
		if err != nil {
			return nil, err
		}
		tips[i] = tip
	}
	return tips, nil
}

func converged(tips []chain.Tip) bool {
	for _, t := range tips[1:] {
		if t != tips[0] {
			return false
		}
	}
	return true
}
