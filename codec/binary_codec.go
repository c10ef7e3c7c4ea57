package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"sidecar-sdk/message"
)

// BinaryCodec writes an Envelope as length-prefixed fields, big-endian:
//
//	appID  u16+n | method u16+n | verb u16+n | contentType u16+n | query u16+n
//	status u16   | error  u16+n | metadata u16 count, (u16+n key, u16+n value)*
//	payload u32+n
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: truncated message")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}

	strs := []string{env.AppID, env.Method, env.Verb, env.ContentType, env.Query}
	keys := make([]string, 0, len(env.Metadata))
	for k := range env.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := 2 + 2 + len(env.Error) + 2 + 4 + len(env.Payload)
	for _, s := range strs {
		size += 2 + len(s)
	}
	for _, k := range keys {
		size += 4 + len(k) + len(env.Metadata[k])
	}
	buf := make([]byte, 0, size)

	var err error
	for _, s := range strs {
		if buf, err = putString(buf, s); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint16(buf, env.Status)
	if buf, err = putString(buf, env.Error); err != nil {
		return nil, err
	}
	if len(keys) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: too many metadata entries: %d", len(keys))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		if buf, err = putString(buf, k); err != nil {
			return nil, err
		}
		if buf, err = putString(buf, env.Metadata[k]); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.Payload)))
	buf = append(buf, env.Payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}

	r := reader{data: data}
	env.AppID = r.string()
	env.Method = r.string()
	env.Verb = r.string()
	env.ContentType = r.string()
	env.Query = r.string()
	env.Status = r.uint16()
	env.Error = r.string()
	if n := int(r.uint16()); n > 0 {
		env.Metadata = make(map[string]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.string()
			env.Metadata[k] = r.string()
		}
	}
	n := int(r.uint32())
	if p := r.bytes(n); p != nil {
		env.Payload = append([]byte(nil), p...)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: field too long: %d bytes", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks data and records the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) string() string {
	return string(r.bytes(int(r.uint16())))
}
