// Package protocol implements the frame format spoken by the sidecar's frame port.
//
// A fixed 15-byte header is followed by a variable-length body, so the reader always knows
// how many bytes belong to the current frame. Bodies may be snappy-compressed.
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │fl│ct│mt│   seq   │ bodyLen │    body ...    │
//	│ scp  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x63 // 'c'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 15

	// MaxBodyLen bounds the allocation made for a single frame.
	MaxBodyLen = 16 << 20

	// CompressThreshold is the smallest body Encode tries to compress.
	CompressThreshold = 1024
)

// Header flags.
const (
	FlagCompressed byte = 1 << 0
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed frame header. BodyLen is the length on the wire, after compression.
type Header struct {
	Flags     byte
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request on a multiplexed connection
	BodyLen   uint32
}

// Encode writes header and body to w as one frame. Bodies of at least CompressThreshold
// bytes are snappy-compressed when that makes them smaller; h.Flags and h.BodyLen are
// filled in accordingly.
//
// Callers sharing w between goroutines must serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	h.Flags &^= FlagCompressed
	if len(body) >= CompressThreshold {
		if c := snappy.Encode(nil, body); len(c) < len(body) {
			body = c
			h.Flags |= FlagCompressed
		}
	}
	if len(body) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.Flags
	buf[5] = h.CodecType
	buf[6] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)

	// single write so a frame is never split between two writers
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads one frame from r and returns its header and decompressed body.
func Decode(r io.Reader) (*Header, []byte, error) {
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, nil, err
	}

	if hb[0] != MagicNumber || hb[1] != MagicByte2 || hb[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", hb[0:3])
	}
	if hb[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", hb[3])
	}
	if hb[5] != CodecTypeJSON && hb[5] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", hb[5])
	}
	mt := MsgType(hb[6])
	if mt != MsgTypeRequest && mt != MsgTypeResponse && mt != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", hb[6])
	}

	h := &Header{
		Flags:     hb[4],
		CodecType: hb[5],
		MsgType:   mt,
		Seq:       binary.BigEndian.Uint32(hb[7:11]),
		BodyLen:   binary.BigEndian.Uint32(hb[11:15]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	if h.Flags&FlagCompressed != 0 {
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt compressed body: %w", err)
		}
		if n > MaxBodyLen {
			return nil, nil, fmt.Errorf("frame body too large: %d bytes decompressed", n)
		}
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, nil, fmt.Errorf("corrupt compressed body: %w", err)
		}
	}
	return h, body, nil
}
