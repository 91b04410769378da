// Package discovery publishes running relaymesh components to etcd under
// leased keys so operators and external drivers can find fronts and hubs.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const Prefix = "/relaymesh/components/"

// Component is the value stored for one registered service.
type Component struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Region string `json:"region,omitempty"`
	URL    string `json:"url"`
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Key is where c is registered: Prefix/kind/id.
func Key(kind, id string) string {
	return Prefix + kind + "/" + id
}

// Registration keeps a component's lease alive until Close.
type Registration struct {
	cli    *clientv3.Client
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// Register puts c under a lease of ttl seconds and keeps it alive in the
// background.
func Register(ctx context.Context, cli *clientv3.Client, c Component, ttl int64) (*Registration, error) {
	val, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode component: %w", err)
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Key(c.Kind, c.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("register %s: %w", c.ID, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return &Registration{cli: cli, lease: lease.ID, cancel: cancel}, nil
}

// Close stops the keepalive and revokes the lease, removing the key.
func (r *Registration) Close(ctx context.Context) error {
	r.cancel()
	if _, err := r.cli.Revoke(ctx, r.lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// List returns registered components of kind, or all kinds when kind is
// empty, sorted by id.
func List(ctx context.Context, cli *clientv3.Client, kind string) ([]Component, error) {
	prefix := Prefix
	if kind != "" {
		prefix = Prefix + kind + "/"
	}
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make([]Component, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		c, err := decode(string(kv.Key), kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch calls fn with the full component list of kind each time it
// changes, until ctx is done.
func Watch(ctx context.Context, cli *clientv3.Client, kind string, fn func([]Component)) {
	prefix := Prefix + kind + "/"
	go func() {
		for range cli.Watch(ctx, prefix, clientv3.WithPrefix()) {
			comps, err := List(ctx, cli, kind)
			if err != nil {
				continue
			}
			fn(comps)
		}
	}()
}

func decode(key string, val []byte) (Component, error) {
	var c Component
	if err := json.Unmarshal(val, &c); err != nil {
		return Component{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if c.ID == "" {
		parts := strings.Split(strings.TrimPrefix(key, Prefix), "/")
		c.ID = parts[len(parts)-1]
	}
	return c, nil
}
