package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key the registry writes:
//
//	/sidecar-sdk/{group}/{addr} → JSON Endpoint
const KeyPrefix = "/sidecar-sdk/"

// EtcdRegistry stores endpoints in etcd under TTL leases, so a sidecar that dies without
// deregistering disappears once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	// keep-alives outlive the Register call, so they run on the registry's own context
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease
}

func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func groupPrefix(group string) string {
	return KeyPrefix + group + "/"
}

// Register puts ep under a lease of ttl seconds and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, group string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	key := groupPrefix(group) + ep.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keep alive: %w", err)
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()
	r.logger.Info("endpoint registered", zap.String("group", group), zap.String("addr", ep.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister deletes the endpoint and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, group string, addr string) error {
	key := groupPrefix(group) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover lists the endpoints of group. Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, group string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, groupPrefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", groupPrefix(group), err)
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skip malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the whole group on every change under its prefix; that is simpler than
// applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, group string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, groupPrefix(group), clientv3.WithPrefix()) {
			endpoints, err := r.Discover(ctx, group)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("group", group), zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
