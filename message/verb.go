package message

import (
	"fmt"
	"strings"
)

// Verb is the HTTP extension of an invocation. The zero value means POST.
type Verb int

const (
	VerbPOST Verb = iota
	VerbGET
	VerbHEAD
	VerbPUT
	VerbDELETE
	VerbPATCH
	VerbOPTIONS
	VerbTRACE
	VerbCONNECT
	VerbNONE // no HTTP semantics, used by non-HTTP callers
)

var verbNames = [...]string{
	VerbPOST:    "POST",
	VerbGET:     "GET",
	VerbHEAD:    "HEAD",
	VerbPUT:     "PUT",
	VerbDELETE:  "DELETE",
	VerbPATCH:   "PATCH",
	VerbOPTIONS: "OPTIONS",
	VerbTRACE:   "TRACE",
	VerbCONNECT: "CONNECT",
	VerbNONE:    "NONE",
}

func (v Verb) String() string {
	if v < 0 || int(v) >= len(verbNames) {
		return fmt.Sprintf("Verb(%d)", int(v))
	}
	return verbNames[v]
}

// HTTPMethod is the method the HTTP transport sends. NONE is sent as POST.
func (v Verb) HTTPMethod() string {
	if v == VerbNONE {
		return "POST"
	}
	return v.String()
}

// ParseVerb is case-insensitive. An empty string parses as POST.
func ParseVerb(s string) (Verb, error) {
	if s == "" {
		return VerbPOST, nil
	}
	for i, name := range verbNames {
		if strings.EqualFold(s, name) {
			return Verb(i), nil
		}
	}
	return VerbPOST, fmt.Errorf("%w: unknown verb %q", ErrInvalidRequest, s)
}
