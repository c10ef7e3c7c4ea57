package message

import "strings"

// Header and metadata keys shared by every transport.
const (
	TraceparentHeader = "traceparent"
	TracestateHeader  = "tracestate"
	APITokenHeader    = "sidecar-api-token"
)

// PropagationContext is the opaque token that correlates a causally related sequence of
// calls. Keys are lower-case header names.
type PropagationContext map[string]string

// ExtractContext picks the propagation keys out of a header or metadata map.
// Keys are matched case-insensitively. It returns nil when none are present.
func ExtractContext(md map[string]string) PropagationContext {
	var pc PropagationContext
	for k, v := range md {
		switch lk := strings.ToLower(k); lk {
		case TraceparentHeader, TracestateHeader:
			if v == "" {
				continue
			}
			if pc == nil {
				pc = make(PropagationContext, 2)
			}
			pc[lk] = v
		}
	}
	return pc
}

// Traceparent returns the W3C traceparent value, or "".
func (c PropagationContext) Traceparent() string {
	return c[TraceparentHeader]
}

func (c PropagationContext) Clone() PropagationContext {
	if c == nil {
		return nil
	}
	out := make(PropagationContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c PropagationContext) Equal(o PropagationContext) bool {
	if len(c) != len(o) {
		return false
	}
	for k, v := range c {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// IsEmpty reports whether c carries no traceparent.
func (c PropagationContext) IsEmpty() bool {
	return c.Traceparent() == ""
}
