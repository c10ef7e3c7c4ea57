package codec

import (
	"testing"

	"sidecar-sdk/message"
)

func testEnvelope() *message.Envelope {
	return &message.Envelope{
		AppID:       "tracingdemo",
		Method:      "echo",
		Verb:        "POST",
		ContentType: "text/plain",
		Query:       "a=1",
		Metadata:    map[string]string{"traceparent": "00-abc-def-01", "tracestate": "k=v"},
		Payload:     []byte("hi"),
	}
}

func checkEnvelope(t *testing.T, want, got *message.Envelope) {
	t.Helper()
	if want.AppID != got.AppID || want.Method != got.Method || want.Verb != got.Verb {
		t.Errorf("address mismatch: got %s/%s %s, want %s/%s %s", got.AppID, got.Method, got.Verb, want.AppID, want.Method, want.Verb)
	}
	if want.ContentType != got.ContentType || want.Query != got.Query {
		t.Errorf("content type/query mismatch: got %q %q", got.ContentType, got.Query)
	}
	if want.Status != got.Status || want.Error != got.Error {
		t.Errorf("status mismatch: got %d %q, want %d %q", got.Status, got.Error, want.Status, want.Error)
	}
	if string(want.Payload) != string(got.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", got.Payload, want.Payload)
	}
	if len(want.Metadata) != len(got.Metadata) {
		t.Fatalf("metadata mismatch: got %v, want %v", got.Metadata, want.Metadata)
	}
	for k, v := range want.Metadata {
		if got.Metadata[k] != v {
			t.Errorf("metadata %s: got %q, want %q", k, got.Metadata[k], v)
		}
	}
}

func TestCodecs(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			cdc := GetCodec(ct)
			if cdc.Type() != ct {
				t.Fatalf("expect codec %s, got %s", ct, cdc.Type())
			}

			original := testEnvelope()
			data, err := cdc.Encode(original)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var decoded message.Envelope
			if err := cdc.Decode(data, &decoded); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			checkEnvelope(t, original, &decoded)
		})
	}
}

func TestBinaryCodecResponse(t *testing.T) {
	cdc := &BinaryCodec{}
	original := &message.Envelope{Status: message.StatusNotFound, Error: "no such method"}

	data, err := cdc.Encode(original)
	if err != nil {
		t.Fatal(err)
	}
	var decoded message.Envelope
	if err := cdc.Decode(data, &decoded); err != nil {
		t.Fatal(err)
	}
	checkEnvelope(t, original, &decoded)
}

func TestBinaryCodecTruncated(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(testEnvelope())
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var decoded message.Envelope
		if err := cdc.Decode(data[:n], &decoded); err == nil {
			t.Errorf("expect error decoding %d of %d bytes", n, len(data))
		}
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("not an envelope"); err == nil {
		t.Fatal("expect error for non-envelope value")
	}
}
