package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Frame layout sizes.
const (
	HeaderSize  = 8 // tag + length
	TrailerSize = crypto.ChecksumSize
)

// MaxPayloadSize bounds the payload of a single frame. It fits a maximal
// block or a maximal inventory.
const MaxPayloadSize = 2 * config.MaxBlockSize

// MaxUserAgentLen bounds the Version user agent.
const MaxUserAgentLen = 256

const invItemSize = 1 + types.HashSize

// Encode returns the complete frame for msg.
func Encode(msg Message) []byte {
	payload := encodePayload(msg)
	tag := msg.Tag()

	frame := make([]byte, 0, HeaderSize+len(payload)+TrailerSize)
	frame = append(frame, tag[:]...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	sum := crypto.Checksum(payload)
	frame = append(frame, sum[:]...)
	return frame
}

func encodePayload(msg Message) []byte {
	switch m := msg.(type) {
	case *Version:
		ua := m.UserAgent
		if len(ua) > MaxUserAgentLen {
			ua = ua[:MaxUserAgentLen]
		}
		buf := make([]byte, 0, 4+types.HashSize+8+8+2+len(ua))
		buf = binary.BigEndian.AppendUint32(buf, m.ProtocolVersion)
		buf = append(buf, m.Genesis[:]...)
		buf = binary.BigEndian.AppendUint64(buf, m.BestHeight)
		buf = binary.BigEndian.AppendUint64(buf, m.Nonce)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(ua)))
		return append(buf, ua...)
	case *Inventory:
		return encodeItems(m.Items)
	case *GetData:
		return encodeItems(m.Items)
	case *Block:
		blk := m.Block
		if blk == nil || blk.Header == nil {
			blk = &block.Block{Header: &block.Header{}}
		}
		return blk.Encode()
	case *Ping:
		return binary.BigEndian.AppendUint64(nil, m.Nonce)
	case *Pong:
		return binary.BigEndian.AppendUint64(nil, m.Nonce)
	case *Tip:
		buf := make([]byte, 0, types.HashSize+8)
		buf = append(buf, m.Hash[:]...)
		return binary.BigEndian.AppendUint64(buf, m.Height)
	default:
		// Verack, GetTip
		return nil
	}
}

func encodeItems(items []InvItem) []byte {
	buf := make([]byte, 0, len(items)*invItemSize)
	for _, it := range items {
		buf = append(buf, byte(it.Type))
		buf = append(buf, it.Hash[:]...)
	}
	return buf
}

// knownTag reports whether t names a message type.
func knownTag(t Tag) bool {
	switch t {
	case TagVersion, TagVerack, TagInventory, TagGetData, TagBlock,
		TagPing, TagPong, TagGetTip, TagTip:
		return true
	}
	return false
}

// decodePayload builds the typed message for a verified payload.
func decodePayload(tag Tag, p []byte) (Message, error) {
	switch tag {
	case TagVersion:
		const fixed = 4 + types.HashSize + 8 + 8 + 2
		if len(p) < fixed {
			return nil, fmt.Errorf("version: %d bytes, need at least %d", len(p), fixed)
		}
		m := &Version{}
		m.ProtocolVersion = binary.BigEndian.Uint32(p[0:4])
		copy(m.Genesis[:], p[4:36])
		m.BestHeight = binary.BigEndian.Uint64(p[36:44])
		m.Nonce = binary.BigEndian.Uint64(p[44:52])
		uaLen := int(binary.BigEndian.Uint16(p[52:54]))
		if uaLen > MaxUserAgentLen {
			return nil, fmt.Errorf("version: user agent length %d exceeds %d", uaLen, MaxUserAgentLen)
		}
		if len(p) != fixed+uaLen {
			return nil, fmt.Errorf("version: user agent length %d does not match payload", uaLen)
		}
		m.UserAgent = string(p[fixed:])
		return m, nil
	case TagVerack:
		if len(p) != 0 {
			return nil, fmt.Errorf("verack: unexpected %d byte payload", len(p))
		}
		return &Verack{}, nil
	case TagGetTip:
		if len(p) != 0 {
			return nil, fmt.Errorf("gettip: unexpected %d byte payload", len(p))
		}
		return &GetTip{}, nil
	case TagInventory:
		items, err := decodeItems(p)
		if err != nil {
			return nil, fmt.Errorf("inventory: %w", err)
		}
		return &Inventory{Items: items}, nil
	case TagGetData:
		items, err := decodeItems(p)
		if err != nil {
			return nil, fmt.Errorf("getdata: %w", err)
		}
		return &GetData{Items: items}, nil
	case TagBlock:
		blk, err := block.Decode(p)
		if err != nil {
			return nil, fmt.Errorf("block: %w", err)
		}
		return &Block{Block: blk}, nil
	case TagPing, TagPong:
		if len(p) != 8 {
			return nil, fmt.Errorf("%s: %d bytes, want 8", tag, len(p))
		}
		nonce := binary.BigEndian.Uint64(p)
		if tag == TagPing {
			return &Ping{Nonce: nonce}, nil
		}
		return &Pong{Nonce: nonce}, nil
	case TagTip:
		if len(p) != types.HashSize+8 {
			return nil, fmt.Errorf("tip: %d bytes, want %d", len(p), types.HashSize+8)
		}
		m := &Tip{}
		copy(m.Hash[:], p[:types.HashSize])
		m.Height = binary.BigEndian.Uint64(p[types.HashSize:])
		return m, nil
	}
	return nil, fmt.Errorf("unknown tag %q", tag)
}

func decodeItems(p []byte) ([]InvItem, error) {
	if len(p)%invItemSize != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of %d", len(p), invItemSize)
	}
	n := len(p) / invItemSize
	if n > config.MaxInvItems {
		return nil, fmt.Errorf("%d items exceeds %d", n, config.MaxInvItems)
	}
	items := make([]InvItem, n)
	for i := range items {
		off := i * invItemSize
		items[i].Type = InvType(p[off])
		copy(items[i].Hash[:], p[off+1:off+invItemSize])
	}
	return items, nil
}
