package codec

import (
	"testing"

	"sidecar-sdk/message"
)

func benchEnvelope() *message.Envelope {
	return &message.Envelope{
		AppID:    "tracingdemo",
		Method:   "echo",
		Verb:     "POST",
		Metadata: map[string]string{message.TraceparentHeader: "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
		Payload:  []byte("hi"),
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	cdc := GetCodec(CodecTypeJSON)
	env := benchEnvelope()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(env)
		var out message.Envelope
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecBinary(b *testing.B) {
	cdc := GetCodec(CodecTypeBinary)
	env := benchEnvelope()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(env)
		var out message.Envelope
		cdc.Decode(data, &out)
	}
}
