// Package message defines the values exchanged between an application and its sidecar.
//
// InvocationRequest and InvocationResponse are what callers see. Envelope is the flat record
// the frame transport serializes with the codec layer; the HTTP and gRPC transports map the
// same fields onto headers and metadata instead.
package message

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidRequest is returned when a request is missing its target app or method.
var ErrInvalidRequest = errors.New("invalid invocation request")

// InvocationRequest addresses one method on one remote application.
//
//   - AppID and Method are required.
//   - Verb defaults to POST, Body defaults to nil.
//   - Context is the propagation context; an empty one is filled by the tracing middleware.
type InvocationRequest struct {
	AppID       string
	Method      string
	Body        []byte
	Verb        Verb
	ContentType string
	Query       url.Values
	Context     PropagationContext
}

// Validate reports whether the request can be sent.
func (r *InvocationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if r.AppID == "" {
		return fmt.Errorf("%w: empty app id", ErrInvalidRequest)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: empty method name", ErrInvalidRequest)
	}
	return nil
}

// Clone returns a copy that can be modified without touching r.
func (r *InvocationRequest) Clone() *InvocationRequest {
	c := *r
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	c.Context = r.Context.Clone()
	return &c
}

// InvocationResponse is the sidecar's answer to an InvocationRequest.
// Payload may be empty for void methods.
type InvocationResponse struct {
	Payload     []byte
	ContentType string
	Context     PropagationContext
}

// Next starts a request to appID/method whose propagation context is this response's
// context, forming the next link of an invocation chain.
func (r *InvocationResponse) Next(appID, method string) *RequestBuilder {
	return NewRequestBuilder(appID, method).WithContext(r.Context)
}

// Status values carried by an Envelope. They mirror the HTTP codes the sidecar uses.
const (
	StatusOK          = 200
	StatusNotFound    = 404
	StatusRemoteError = 500
)

// Envelope is the flat wire record of the frame transport.
//
//   - On request:  AppID, Method and Verb are set, Payload is the request body, Status is 0.
//   - On response: Status is set, Payload is the response body, Error is non-empty on failure.
type Envelope struct {
	AppID       string
	Method      string
	Verb        string
	ContentType string
	Query       string
	Metadata    map[string]string
	Status      uint16
	Error       string
	Payload     []byte
}

// RequestEnvelope flattens a request for the wire. The API token, when set, rides in the
// metadata next to the propagation context.
func RequestEnvelope(req *InvocationRequest, apiToken string) *Envelope {
	md := make(map[string]string, len(req.Context)+1)
	for k, v := range req.Context {
		md[k] = v
	}
	if apiToken != "" {
		md[APITokenHeader] = apiToken
	}
	env := &Envelope{
		AppID:       req.AppID,
		Method:      req.Method,
		Verb:        req.Verb.String(),
		ContentType: req.ContentType,
		Metadata:    md,
		Payload:     req.Body,
	}
	if len(req.Query) > 0 {
		env.Query = req.Query.Encode()
	}
	return env
}

// Request rebuilds the InvocationRequest carried by a request envelope.
func (e *Envelope) Request() (*InvocationRequest, error) {
	verb, err := ParseVerb(e.Verb)
	if err != nil {
		return nil, err
	}
	req := &InvocationRequest{
		AppID:       e.AppID,
		Method:      e.Method,
		Body:        e.Payload,
		Verb:        verb,
		ContentType: e.ContentType,
		Context:     ExtractContext(e.Metadata),
	}
	if e.Query != "" {
		q, err := url.ParseQuery(e.Query)
		if err != nil {
			return nil, fmt.Errorf("%w: bad query %q: %v", ErrInvalidRequest, e.Query, err)
		}
		req.Query = q
	}
	return req, nil
}

// ResponseEnvelope flattens a handler result for the wire. A non-nil err becomes a failure
// status with the error text.
func ResponseEnvelope(resp *InvocationResponse, err error) *Envelope {
	if err != nil {
		env := &Envelope{Status: StatusRemoteError, Error: err.Error()}
		if errors.Is(err, ErrMethodNotFound) {
			env.Status = StatusNotFound
		}
		return env
	}
	if resp == nil {
		resp = &InvocationResponse{}
	}
	return &Envelope{
		Status:      StatusOK,
		ContentType: resp.ContentType,
		Metadata:    map[string]string(resp.Context.Clone()),
		Payload:     resp.Payload,
	}
}

// Response turns a response envelope into a response or a classified error.
func (e *Envelope) Response(appID, method string) (*InvocationResponse, error) {
	switch {
	case e.Status == StatusNotFound:
		return nil, &InvocationError{Kind: KindNotFound, AppID: appID, Method: method, Status: int(e.Status), Message: e.Error}
	case e.Status >= 300 || e.Error != "":
		return nil, &InvocationError{Kind: KindRemote, AppID: appID, Method: method, Status: int(e.Status), Message: e.Error}
	}
	return &InvocationResponse{
		Payload:     e.Payload,
		ContentType: e.ContentType,
		Context:     ExtractContext(e.Metadata),
	}, nil
}
