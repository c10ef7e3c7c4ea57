package sidecar

import (
	"context"
	"strconv"
	"time"

	"sidecar-sdk/message"
)

// DemoAppID is the app id the demo app is hosted under by sidecarctl serve.
const DemoAppID = "tracingdemo"

// DemoApp is a small app for trying out invocation chains.
//
//	echo   returns the request body
//	sleep  waits SleepFor, or ?ms=N milliseconds, and returns nothing
type DemoApp struct {
	SleepFor time.Duration
}

func (d *DemoApp) Echo(ctx context.Context, body []byte) ([]byte, error) {
	return body, nil
}

func (d *DemoApp) Sleep(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	wait := d.SleepFor
	if ms := req.Query.Get("ms"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n < 0 {
			return nil, &message.InvocationError{Kind: message.KindRemote, AppID: req.AppID, Method: req.Method, Message: "bad ms " + strconv.Quote(ms)}
		}
		wait = time.Duration(n) * time.Millisecond
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &message.InvocationResponse{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
