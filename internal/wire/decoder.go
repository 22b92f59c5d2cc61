package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
)

// Decoding errors.
var (
	// ErrIncompleteFrame means more bytes are needed. The buffered bytes are kept.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrMalformedFrame is wrapped by every *MalformedFrameError.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Reasons reported by MalformedFrameError.
const (
	ReasonBadLength   = "bad length"
	ReasonUnknownType = "unknown message type"
	ReasonChecksum    = "checksum mismatch"
	ReasonBadPayload  = "bad payload"
)

// MalformedFrameError describes a frame that can never decode.
type MalformedFrameError struct {
	Tag    Tag
	Reason string
	Err    error // Payload decode detail, nil for framing failures
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame %q: %s: %v", e.Tag, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame %q: %s", e.Tag, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedFrame.
func (e *MalformedFrameError) Unwrap() error { return ErrMalformedFrame }

// Decoder turns a byte stream into messages. It is not safe for concurrent use.
type Decoder struct {
	buf     []byte // buf[off:] is unread
	off     int
	err     error  // Sticky malformed-frame error
	scratch []byte // Read buffer for ReadMessage
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends stream bytes to the decoder buffer.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.compact()
	d.buf = append(d.buf, p...)
}

// compact moves unread bytes to the front once at least half the buffer
// has been consumed, so each byte is copied a bounded number of times.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}
	if d.off < len(d.buf)/2 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next decodes one message from the buffer. It returns ErrIncompleteFrame
// when the next frame is partial, and a *MalformedFrameError when
// the stream is corrupt; after that every call returns the same error.
func (d *Decoder) Next() (Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	buf := d.buf[d.off:]
	if len(buf) < HeaderSize {
		return nil, ErrIncompleteFrame
	}

	var tag Tag
	copy(tag[:], buf[:4])
	if !knownTag(tag) {
		return nil, d.fail(tag, ReasonUnknownType, nil)
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if length > MaxPayloadSize {
		return nil, d.fail(tag, ReasonBadLength, fmt.Errorf("%d exceeds %d", length, MaxPayloadSize))
	}

	total := HeaderSize + int(length) + TrailerSize
	if len(buf) < total {
		return nil, ErrIncompleteFrame
	}

	payload := buf[HeaderSize : HeaderSize+int(length)]
	var sum [TrailerSize]byte
	copy(sum[:], buf[HeaderSize+int(length):total])
	if crypto.Checksum(payload) != sum {
		return nil, d.fail(tag, ReasonChecksum, nil)
	}

	msg, err := decodePayload(tag, payload)
	if err != nil {
		return nil, d.fail(tag, ReasonBadPayload, err)
	}

	d.consume(total)
	return msg, nil
}

func (d *Decoder) fail(tag Tag, reason string, err error) error {
	d.err = &MalformedFrameError{Tag: tag, Reason: reason, Err: err}
	d.buf = nil
	d.off = 0
	return d.err
}

// consume marks n bytes as read. A fully drained buffer that grew past
// readChunk is released so a single large frame is not pinned.
func (d *Decoder) consume(n int) {
	d.off += n
	if d.off < len(d.buf) {
		return
	}
	d.off = 0
	if cap(d.buf) > 2*readChunk {
		d.buf = nil
		return
	}
	d.buf = d.buf[:0]
}

// readChunk is the read size used by ReadMessage.
const readChunk = 32 << 10

// ReadMessage reads from r until d yields a message. Read errors (io.EOF
// included) are returned as-is; a partial frame at EOF is
// io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader, d *Decoder) (Message, error) {
	if d.scratch == nil {
		d.scratch = make([]byte, readChunk)
	}
	chunk := d.scratch
	for {
		msg, err := d.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return nil, err
		}

		n, rerr := r.Read(chunk)
		if n > 0 {
			d.Feed(chunk[:n])
		}
		if rerr != nil {
			if n > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) && d.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
