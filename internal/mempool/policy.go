package mempool

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-relay/config"
)

// DefaultMaxPayloadSize is the maximum payload size in bytes.
const DefaultMaxPayloadSize = 100_000

// Policy defines payload acceptance rules.
type Policy struct {
	MaxPayloadSize int
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxPayloadSize: DefaultMaxPayloadSize,
	}
}

// Check validates a payload against policy rules. Policy rules can vary
// per node; the block size limit cannot.
func (p *Policy) Check(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if p.MaxPayloadSize > 0 && len(payload) > p.MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes, max %d", len(payload), p.MaxPayloadSize)
	}
	if len(payload) > config.MaxBlockSize/2 {
		return fmt.Errorf("payload too large for a block: %d bytes", len(payload))
	}
	return nil
}
