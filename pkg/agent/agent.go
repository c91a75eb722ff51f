// Package agent wires one rank's full aggregation stack: transport,
// funnel topology, aggregator, and sink, plus HTTP endpoints for
// health, info, and metrics.
package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"logjam/discovery"
	"logjam/internal/config"
	"logjam/pkg/aggregate"
	"logjam/pkg/collective"
	"logjam/pkg/comm"
	"logjam/pkg/journal"
	"logjam/pkg/sink"
)

// Agent is one running member of an aggregation group.
type Agent struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	group *collective.TCP
	comm  comm.Communicator
	agg   *aggregate.Aggregator
	out   *sink.Stream
	jnl   *journal.Journal

	etcd      *clientv3.Client
	leaseID   clientv3.LeaseID
	leaseStop context.CancelFunc

	srv *http.Server
}

// New connects a member to its group and assembles the funnel on top.
// With etcd discovery configured it blocks until every rank of the
// group has published an address. Output written by rank 0 goes to w.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, w io.Writer) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{cfg: cfg, log: logger.Sugar()}

	group, err := a.connect(ctx, cfg, logger)
	if err != nil {
		a.teardown()
		return nil, err
	}
	a.group = group

	switch cfg.Topology {
	case "root":
		a.comm, err = comm.NewRoot(group, cfg.RanksLimit)
	default:
		a.comm, err = comm.NewBinaryTree(group, cfg.RanksLimit)
	}
	if err == nil {
		a.agg, err = aggregate.New(a.comm, cfg.RanksLimit)
	}
	if err != nil {
		group.Close()
		a.teardown()
		return nil, err
	}

	a.out = sink.New(a.agg, w)
	a.out.SetMinLevel(cfg.Level())
	a.out.SetColor(cfg.Color)
	if cfg.Format != "" {
		a.out.SetFormat(cfg.Format)
	}
	if a.comm.IsOutputNode() && cfg.JournalBytes > 0 {
		a.jnl = journal.New(cfg.JournalBytes)
		a.out.SetJournal(a.jnl)
	}

	a.log.Infow("agent ready",
		"rank", group.Rank(), "size", group.Size(),
		"topology", cfg.Topology, "output", a.comm.IsOutputNode())
	return a, nil
}

// connect builds the TCP group, resolving peer addresses through etcd
// when discovery is configured and from the static ranks list otherwise.
func (a *Agent) connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*collective.TCP, error) {
	if !cfg.Discovery() {
		return collective.NewTCP(collective.TCPConfig{
			Rank:        cfg.Rank,
			Addrs:       cfg.Ranks,
			DialTimeout: cfg.DialTimeout.Std(),
			Logger:      logger,
		})
	}

	cli, err := discovery.NewClient(cfg.Etcd.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	a.etcd = cli

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	addr := ln.Addr().String()
	leaseID, stop, err := discovery.RegisterRank(ctx, cli, cfg.Etcd.Namespace, cfg.Rank, addr, cfg.Etcd.LeaseTTL)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("register rank %d: %w", cfg.Rank, err)
	}
	a.leaseID = leaseID
	a.leaseStop = stop
	a.log.Infow("registered with discovery", "rank", cfg.Rank, "addr", addr)

	addrs, err := discovery.WaitForRanks(ctx, cli, cfg.Etcd.Namespace, cfg.Size)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("wait for group: %w", err)
	}

	group, err := collective.NewTCP(collective.TCPConfig{
		Rank:        cfg.Rank,
		Addrs:       addrs,
		Listener:    ln,
		DialTimeout: cfg.DialTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		ln.Close()
		return nil, err
	}
	return group, nil
}

// Run serves the HTTP endpoints and, when flush_every is set, runs a
// collective flush on that period. Every member of the group must use
// the same flush_every, since each flush is a group-wide operation.
// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.HTTPAddr != "" {
		srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.routes()}
		a.srv = srv
		go func() {
			a.log.Infow("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Errorw("http server failed", "err", err)
			}
		}()
	}

	if every := a.cfg.FlushEvery.Std(); every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.out.Flush(ctx); err != nil {
					return fmt.Errorf("periodic flush: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// Log is the stream the application writes its diagnostics to.
func (a *Agent) Log() *sink.Stream { return a.out }

func (a *Agent) Rank() int { return a.group.Rank() }

func (a *Agent) IsOutputNode() bool { return a.comm.IsOutputNode() }

// Flush pushes everything queued across the group and writes the
// merged result on rank 0. All members must flush together.
func (a *Agent) Flush(ctx context.Context) error { return a.out.Flush(ctx) }

func (a *Agent) Close() error {
	var firstErr error
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := a.srv.Shutdown(ctx); err != nil {
			firstErr = err
		}
		cancel()
		a.srv = nil
	}
	if a.group != nil {
		if err := a.group.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.group = nil
	}
	a.teardown()
	return firstErr
}

// teardown drops the discovery lease so the rank's key disappears
// right away instead of waiting out the TTL.
func (a *Agent) teardown() {
	if a.leaseStop != nil {
		a.leaseStop()
		a.leaseStop = nil
	}
	if a.etcd == nil {
		return
	}
	if a.leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = a.etcd.Revoke(ctx, a.leaseID)
		cancel()
		a.leaseID = 0
	}
	a.etcd.Close()
	a.etcd = nil
}
