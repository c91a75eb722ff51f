// Package discovery publishes and resolves rank listen addresses
// through etcd. Each member registers its bound address under a lease
// and resolves the rest of the group before connecting.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClient connects to an etcd cluster.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func rankKey(namespace string, rank int) string {
	return ranksPrefix(namespace) + strconv.Itoa(rank)
}

func ranksPrefix(namespace string) string {
	return strings.TrimSuffix(namespace, "/") + "/ranks/"
}

// RegisterRank publishes addr as the listen address of rank under a
// lease of ttl seconds and keeps the lease alive until the returned
// cancel function is called. The caller should also revoke the lease
// on shutdown so the key disappears immediately.
func RegisterRank(ctx context.Context, cli *clientv3.Client, namespace string, rank int, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}

	key := rankKey(namespace, rank)
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("publish %s: %w", key, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// Ranks returns the currently registered ranks and their addresses.
func Ranks(ctx context.Context, cli *clientv3.Client, namespace string) (map[int]string, error) {
	prefix := ranksPrefix(namespace)
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list ranks: %w", err)
	}

	ranks := make(map[int]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if rank, addr, ok := parseRankKV(prefix, kv); ok {
			ranks[rank] = addr
		}
	}
	return ranks, nil
}

// WaitForRanks blocks until every rank of a size-member group has
// published an address, then returns the addresses indexed by rank.
// Lease expiries during the wait are not tracked; a member that dies
// after publishing fails the group at connect time instead.
func WaitForRanks(ctx context.Context, cli *clientv3.Client, namespace string, size int) ([]string, error) {
	prefix := ranksPrefix(namespace)
	addrs := make([]string, size)
	found := 0
	record := func(kv *mvccpb.KeyValue) {
		rank, addr, ok := parseRankKV(prefix, kv)
		if !ok || rank >= size {
			return
		}
		if addrs[rank] == "" {
			found++
		}
		addrs[rank] = addr
	}

	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list ranks: %w", err)
	}
	for _, kv := range resp.Kvs {
		record(kv)
	}
	if found == size {
		return addrs, nil
	}

	watch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watch {
		if err := wresp.Err(); err != nil {
			return nil, fmt.Errorf("watch ranks: %w", err)
		}
		for _, ev := range wresp.Events {
			if ev.Type == mvccpb.PUT {
				record(ev.Kv)
			}
		}
		if found == size {
			return addrs, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("watch ranks: channel closed")
}

func parseRankKV(prefix string, kv *mvccpb.KeyValue) (int, string, bool) {
	rank, err := strconv.Atoi(strings.TrimPrefix(string(kv.Key), prefix))
	if err != nil || rank < 0 {
		return 0, "", false
	}
	return rank, string(kv.Value), true
}
