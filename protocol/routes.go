package protocol

import (
	"net/url"
	"strings"
)

// HTTP routes exposed by the sidecar.
const (
	InvokePathPrefix = "/v1.0/invoke/"
	InvokePattern    = "/v1.0/invoke/{appID}/method/{method...}"
)

// InvokePath returns /v1.0/invoke/{appID}/method/{method}. The method may contain slashes;
// each segment is escaped separately.
func InvokePath(appID, method string) string {
	segs := strings.Split(method, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return InvokePathPrefix + url.PathEscape(appID) + "/method/" + strings.Join(segs, "/")
}

// gRPC service and metadata keys. The request and response messages are
// google.protobuf.BytesValue holding the raw body.
const (
	GRPCService      = "sidecar.v1.Sidecar"
	GRPCInvokeMethod = "/" + GRPCService + "/InvokeService"

	MetadataAppID       = "sidecar-app-id"
	MetadataMethod      = "sidecar-method"
	MetadataVerb        = "sidecar-verb"
	MetadataContentType = "sidecar-content-type"
	MetadataQuery       = "sidecar-query"
)
