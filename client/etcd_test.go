package client

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"sidecar-sdk/config"
	"sidecar-sdk/loadbalance"
	"sidecar-sdk/message"
	"sidecar-sdk/registry"
	"sidecar-sdk/sidecar"
)

// two sidecars announce themselves in etcd; the client finds them through a cached registry
func TestDiscoveryThroughEtcd(t *testing.T) {
	endpoints := os.Getenv("SIDECAR_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("SIDECAR_ETCD_ENDPOINTS not set")
	}
	logger := zap.NewNop()
	etcd, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
	if err != nil {
		t.Fatal(err)
	}
	defer etcd.Close()

	const group = "client-test"
	for i := 0; i < 2; i++ {
		svr := sidecar.NewServer(sidecar.WithRegistry(etcd, group, "127.0.0.1"))
		svr.Register(sidecar.DemoAppID, &sidecar.DemoApp{})
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go svr.ServeFrame(l)
		defer svr.Shutdown(3 * time.Second)
	}

	cached, err := registry.NewCachedRegistry(etcd, 8, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer cached.Close()

	// wait for both announcements
	deadline := time.Now().Add(5 * time.Second)
	for {
		eps, _ := etcd.Discover(context.Background(), group)
		if len(eps) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect 2 endpoints, got %v", eps)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cli, err := NewBuilder(config.WithLookup(noEnv)).
		WithRegistry(cached, group, &loadbalance.RoundRobinBalancer{}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	for i := 0; i < 10; i++ {
		req, _ := message.NewRequestBuilder(sidecar.DemoAppID, "echo").WithString("hi").Build()
		var got string
		if _, err := cli.InvokeInto(context.Background(), req, &got); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if got != "hi" {
			t.Fatalf("request %d: expect 'hi', got '%s'", i, got)
		}
	}
}
