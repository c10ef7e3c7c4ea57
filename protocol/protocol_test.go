package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("expect %d bytes on the wire, got %d", HeaderSize+len(body), buf.Len())
	}

	decoded, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decoded.CodecType, header.CodecType)
	}
	if decoded.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decoded.MsgType, header.MsgType)
	}
	if decoded.Seq != header.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decoded.Seq, header.Seq)
	}
	if decoded.Flags&FlagCompressed != 0 {
		t.Error("small body must not be compressed")
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, 0, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0x30, 0x39, 0, 0, 0, 0})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for invalid magic number")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("error should mention the magic number, got: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, 0, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for unsupported version")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention the version, got: %v", err)
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, 0, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF})

	if _, _, err := Decode(&buf); err == nil {
		t.Fatal("expected error for oversized body length")
	}
}

func TestHeartbeatEmptyBody(t *testing.T) {
	header := Header{MsgType: MsgTypeHeartbeat}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decoded.MsgType, MsgTypeHeartbeat)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got length %d", len(body))
	}
}

func TestLargeBodyIsCompressed(t *testing.T) {
	// repetitive 1MB body compresses well
	large := bytes.Repeat([]byte("sidecar "), 128*1024)

	header := &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeResponse, Seq: 999}
	var buf bytes.Buffer
	if err := Encode(&buf, header, large); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if header.Flags&FlagCompressed == 0 {
		t.Fatal("expected compressed flag on large repetitive body")
	}
	if int(header.BodyLen) >= len(large) {
		t.Fatalf("expected wire body smaller than %d, got %d", len(large), header.BodyLen)
	}

	_, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(body, large) {
		t.Error("large body mismatch after decompression")
	}
}

func TestIncompressibleBodyIsSentRaw(t *testing.T) {
	body := make([]byte, 4096)
	x := uint32(2463534242)
	for i := range body {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		body[i] = byte(x)
	}

	header := &Header{MsgType: MsgTypeRequest}
	var buf bytes.Buffer
	if err := Encode(&buf, header, body); err != nil {
		t.Fatal(err)
	}
	_, got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Error("body mismatch")
	}
}
