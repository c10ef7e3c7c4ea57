package sidecar

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"sidecar-sdk/message"
	"sidecar-sdk/protocol"
)

// HealthPath answers 204 while the sidecar is serving.
const HealthPath = "/v1.0/healthz"

// HTTPHandler returns the sidecar's REST API:
//
//	ANY  /v1.0/invoke/{appID}/method/{method...}
//	GET  /v1.0/healthz
func (s *Server) HTTPHandler() http.Handler {
	s.chain()
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.InvokePattern, s.serveInvoke)
	mux.HandleFunc("GET "+HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if s.shutdown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// ServeREST serves the REST API on l until Shutdown.
func (s *Server) ServeREST(l net.Listener) error {
	hs := &http.Server{Handler: s.HTTPHandler(), ErrorLog: zap.NewStdLog(s.logger)}
	s.lmu.Lock()
	s.httpSrvs = append(s.httpSrvs, hs)
	s.lmu.Unlock()
	if err := s.track(l, "http"); err != nil {
		return err
	}
	if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveInvoke(w http.ResponseWriter, r *http.Request) {
	verb, err := message.ParseVerb(r.Method)
	if err != nil {
		http.Error(w, err.Error(), http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxBodyLen+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > protocol.MaxBodyLen {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		body = nil
	}

	req := &message.InvocationRequest{
		AppID:       r.PathValue("appID"),
		Method:      r.PathValue("method"),
		Body:        body,
		Verb:        verb,
		ContentType: r.Header.Get("Content-Type"),
		Context:     message.ExtractContext(flatten(r.Header)),
	}
	if q := r.URL.Query(); len(q) > 0 {
		req.Query = q
	}

	resp, err := s.dispatch(r.Context(), req, r.Header.Get(message.APITokenHeader))
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	for k, v := range resp.Context {
		w.Header().Set(k, v)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Payload)))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Payload)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, message.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, message.ErrMethodNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
