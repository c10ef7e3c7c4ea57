package sidecar

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"sidecar-sdk/message"
	"sidecar-sdk/middleware"
)

// app is one hosted application: its id and its invocable methods.
type app struct {
	id      string
	methods map[string]middleware.HandlerFunc
}

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	bytesType    = reflect.TypeOf([]byte(nil))
	requestType  = reflect.TypeOf((*message.InvocationRequest)(nil))
	responseType = reflect.TypeOf((*message.InvocationResponse)(nil))
)

// scanMethods collects the exported methods of rcvr that can serve invocations:
//
//	func (r *T) Name(ctx context.Context, body []byte) ([]byte, error)
//	func (r *T) Name(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error)
//
// The method is exposed under its name with a lower-case first letter ("Echo" → "echo").
func scanMethods(rcvr any) (map[string]middleware.HandlerFunc, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("sidecar: rcvr must be a pointer, got %v", typ)
	}
	val := reflect.ValueOf(rcvr)

	methods := make(map[string]middleware.HandlerFunc)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 || mt.In(1) != contextType || mt.Out(1) != errorType {
			continue
		}
		fn := val.Method(i)
		name := lowerFirst(m.Name)

		switch {
		case mt.In(2) == bytesType && mt.Out(0) == bytesType:
			methods[name] = func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
				out := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(req.Body)})
				if err, _ := out[1].Interface().(error); err != nil {
					return nil, err
				}
				return &message.InvocationResponse{Payload: out[0].Bytes()}, nil
			}
		case mt.In(2) == requestType && mt.Out(0) == responseType:
			methods[name] = func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
				out := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(req)})
				if err, _ := out[1].Interface().(error); err != nil {
					return nil, err
				}
				resp, _ := out[0].Interface().(*message.InvocationResponse)
				return resp, nil
			}
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("sidecar: %s has no invocable methods", typ)
	}
	return methods, nil
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
