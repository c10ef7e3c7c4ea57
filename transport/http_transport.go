package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sidecar-sdk/message"
	"sidecar-sdk/protocol"
)

// maxErrorBody caps how much of a failed response is kept in the error message.
const maxErrorBody = 4 << 10

// HTTPTransport calls the sidecar's REST invoke API:
//
//	VERB http://{addr}/v1.0/invoke/{appID}/method/{method}?{query}
type HTTPTransport struct {
	baseURL  string
	baseErr  error
	client   *http.Client
	apiToken string
}

// NewHTTPTransport never fails. An addr that does not form a valid URL, such as a
// negative port, fails every Invoke as a connection error.
func NewHTTPTransport(addr string, opts Options) *HTTPTransport {
	opts = opts.withDefaults()
	baseURL := "http://" + addr
	_, baseErr := url.Parse(baseURL)
	return &HTTPTransport{
		baseURL: baseURL,
		baseErr: baseErr,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               nil, // the sidecar is local, never proxy
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiToken: opts.APIToken,
	}
}

func (t *HTTPTransport) Invoke(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	if t.baseErr != nil {
		return nil, message.Unavailable(req.AppID, req.Method, t.baseErr)
	}
	u := t.baseURL + protocol.InvokePath(req.AppID, req.Method)
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Verb.HTTPMethod(), u, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrInvalidRequest, err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Context {
		httpReq.Header.Set(k, v)
	}
	if t.apiToken != "" {
		httpReq.Header.Set(message.APITokenHeader, t.apiToken)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, message.Unavailable(req.AppID, req.Method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		kind := message.KindRemote
		if httpResp.StatusCode == http.StatusNotFound {
			kind = message.KindNotFound
		}
		return nil, &message.InvocationError{
			Kind:    kind,
			AppID:   req.AppID,
			Method:  req.Method,
			Status:  httpResp.StatusCode,
			Message: strings.TrimSpace(string(text)),
		}
	}

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, message.Unavailable(req.AppID, req.Method, fmt.Errorf("read response: %w", err))
	}

	return &message.InvocationResponse{
		Payload:     payload,
		ContentType: httpResp.Header.Get("Content-Type"),
		Context:     message.ExtractContext(flattenHeader(httpResp.Header)),
	}, nil
}

// Close drops idle keep-alive connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
