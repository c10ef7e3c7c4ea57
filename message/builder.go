package message

import "net/url"

// RequestBuilder assembles an InvocationRequest field by field.
type RequestBuilder struct {
	req InvocationRequest
}

func NewRequestBuilder(appID, method string) *RequestBuilder {
	return &RequestBuilder{req: InvocationRequest{AppID: appID, Method: method, Verb: VerbPOST}}
}

func (b *RequestBuilder) WithBody(body []byte) *RequestBuilder {
	b.req.Body = body
	return b
}

// WithString sets a text body.
func (b *RequestBuilder) WithString(body string) *RequestBuilder {
	b.req.Body = []byte(body)
	if b.req.ContentType == "" {
		b.req.ContentType = "text/plain; charset=utf-8"
	}
	return b
}

func (b *RequestBuilder) WithVerb(v Verb) *RequestBuilder {
	b.req.Verb = v
	return b
}

func (b *RequestBuilder) WithContentType(ct string) *RequestBuilder {
	b.req.ContentType = ct
	return b
}

func (b *RequestBuilder) WithQuery(q url.Values) *RequestBuilder {
	b.req.Query = q
	return b
}

func (b *RequestBuilder) WithContext(c PropagationContext) *RequestBuilder {
	b.req.Context = c.Clone()
	return b
}

// Build validates and returns a fresh request; the builder can be reused.
func (b *RequestBuilder) Build() (*InvocationRequest, error) {
	if err := b.req.Validate(); err != nil {
		return nil, err
	}
	return b.req.Clone(), nil
}
