// Package wire implements the framed binary protocol spoken between peers.
//
// Every message travels in one frame:
//
//	tag [4]byte | length uint32 (big-endian) | payload [length]byte | checksum [4]byte
//
// The checksum is the first four bytes of BLAKE3-256(payload).
package wire

import (
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Tag identifies the message type of a frame.
type Tag [4]byte

func (t Tag) String() string { return string(t[:]) }

// Message tags.
var (
	TagVersion   = Tag{'v', 'e', 'r', 's'}
	TagVerack    = Tag{'v', 'a', 'c', 'k'}
	TagInventory = Tag{'i', 'n', 'v', 't'}
	TagGetData   = Tag{'g', 'e', 't', 'd'}
	TagBlock     = Tag{'b', 'l', 'c', 'k'}
	TagPing      = Tag{'p', 'i', 'n', 'g'}
	TagPong      = Tag{'p', 'o', 'n', 'g'}
	TagGetTip    = Tag{'g', 't', 'i', 'p'}
	TagTip       = Tag{'t', 'i', 'p', 'r'}
)

// InvType classifies an inventory item.
type InvType uint8

// InvTypeBlock marks a block hash. Other values decode but carry no meaning here.
const InvTypeBlock InvType = 1

// InvItem names one piece of inventory.
type InvItem struct {
	Type InvType
	Hash types.Hash
}

// BlockItem returns an InvItem for a block hash.
func BlockItem(h types.Hash) InvItem {
	return InvItem{Type: InvTypeBlock, Hash: h}
}

// Message is any typed protocol message.
type Message interface {
	Tag() Tag
}

// Version opens the handshake.
type Version struct {
	ProtocolVersion uint32
	Genesis         types.Hash
	BestHeight      uint64
	Nonce           uint64 // Random per node, detects self-connections
	UserAgent       string
}

// Verack acknowledges a Version.
type Verack struct{}

// Inventory announces items the sender has.
type Inventory struct {
	Items []InvItem
}

// GetData requests the full contents of items.
type GetData struct {
	Items []InvItem
}

// Block carries one full block.
type Block struct {
	Block *block.Block
}

// Ping probes liveness; the peer echoes the nonce in a Pong.
type Ping struct {
	Nonce uint64
}

// Pong answers a Ping.
type Pong struct {
	Nonce uint64
}

// GetTip asks the peer for its best tip.
type GetTip struct{}

// Tip reports the sender's best tip.
type Tip struct {
	Hash   types.Hash
	Height uint64
}

func (*Version) Tag() Tag   { return TagVersion }
func (*Verack) Tag() Tag    { return TagVerack }
func (*Inventory) Tag() Tag { return TagInventory }
func (*GetData) Tag() Tag   { return TagGetData }
func (*Block) Tag() Tag     { return TagBlock }
func (*Ping) Tag() Tag      { return TagPing }
func (*Pong) Tag() Tag      { return TagPong }
func (*GetTip) Tag() Tag    { return TagGetTip }
func (*Tip) Tag() Tag       { return TagTip }
