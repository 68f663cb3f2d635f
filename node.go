// Package concord is the embeddable core of a strongly-consistent,
// replicated key-value store. Node is its single entry point: the
// explicit lifecycle owner of the store, secondary indexes, consensus
// provider, TTL reaper, and event publisher (spec §9 design note —
// replacing the global package-level state the teacher and the
// original implementation both used).
package concord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/config"
	"github.com/concorddb/concord/internal/consensus"
	"github.com/concorddb/concord/internal/consensus/raftprovider"
	"github.com/concorddb/concord/internal/dispatcher"
	"github.com/concorddb/concord/internal/events"
	"github.com/concorddb/concord/internal/index"
	"github.com/concorddb/concord/internal/query"
	"github.com/concorddb/concord/internal/statemachine"
	"github.com/concorddb/concord/internal/telemetry"
	"github.com/concorddb/concord/internal/ttl"
	"github.com/concorddb/concord/internal/wire"
)

// Options configures a Node at construction time.
type Options struct {
	NodeID    string
	BindAddr  string
	Bootstrap bool

	Config config.Config

	// Extractors must be registered before Open, since index_create
	// commands replayed from the log or a restored snapshot need every
	// extractor id they reference to already resolve (spec §9: no
	// anonymous extractors).
	Extractors map[string]index.Extractor

	Logger *zap.Logger
}

// Node owns one replica's worth of state and is the only thing callers
// construct directly; everything else in this module is reached
// through it.
type Node struct {
	opts    Options
	log     *zap.Logger
	machine *statemachine.Machine
	pub     *events.Publisher
	reg     *index.Registry

	provider   *raftprovider.Provider
	dispatcher *dispatcher.Dispatcher
	router     *query.Router
	reaper     *ttl.Reaper
}

// Open constructs and starts a Node: builds the state machine, starts
// the raft-backed consensus provider rooted at opts.Config.DataDir, and
// (if opts.Config.TTL.Enabled) starts the TTL reaper.
func Open(opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewLogger(telemetry.Config{})
	}
	if opts.NodeID == "" {
		// A node joining without an operator-assigned id still needs a
		// stable-for-this-process raft server id; uuid is only ever used
		// for this local identity, never for anything state-machine-visible.
		opts.NodeID = uuid.NewString()
	}

	if err := os.MkdirAll(opts.Config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	reg := index.NewRegistry()
	for id, ext := range opts.Extractors {
		reg.Register(id, ext)
	}

	pub := events.New(events.Config{
		Enabled:    opts.Config.EventStream.Enabled,
		BufferSize: opts.Config.EventStream.BufferSize,
	})

	machine := statemachine.New(statemachine.Config{
		CodecConfig: opts.Config.CodecConfig(),
		Registry:    reg,
		Publisher:   pub,
		NodeID:      opts.NodeID,
		Logger:      logger.Named("statemachine"),
	})

	provider, err := raftprovider.New(raftprovider.Config{
		NodeID:    opts.NodeID,
		BindAddr:  opts.BindAddr,
		DataDir:   filepath.Join(opts.Config.DataDir, opts.Config.ClusterName, opts.NodeID),
		Bootstrap: opts.Bootstrap,
		Logger:    logger.Named("raft"),
		Machine:   machine,
	})
	if err != nil {
		return nil, fmt.Errorf("start consensus provider: %w", err)
	}

	disp := dispatcher.New(dispatcher.Config{
		Provider:     provider,
		MaxBatchSize: opts.Config.MaxBatchSize,
		Logger:       logger.Named("dispatcher"),
	})
	router := query.New(query.Config{Provider: provider, Logger: logger.Named("query")})

	n := &Node{
		opts:       opts,
		log:        logger,
		machine:    machine,
		pub:        pub,
		reg:        reg,
		provider:   provider,
		dispatcher: disp,
		router:     router,
	}

	if opts.Config.TTL.Enabled {
		n.reaper = ttl.New(ttl.Config{
			Dispatcher: disp,
			Provider:   provider,
			Interval:   time.Duration(opts.Config.TTL.CleanupIntervalSeconds) * time.Second,
			Logger:     logger.Named("ttl"),
		})
		n.reaper.Start()
	}

	return n, nil
}

// Submit proposes a write command and blocks until it is committed and
// applied, returning the state machine's domain result.
func (n *Node) Submit(ctx context.Context, cmd wire.Command) (interface{}, error) {
	return n.dispatcher.Submit(ctx, cmd)
}

// Query runs fn at the requested consistency level. Prefer the named
// Get/GetAll/.../Stats methods below for spec §4.D's query set; Query
// remains for callers that need a custom read closure over the machine.
func (n *Node) Query(ctx context.Context, level consensus.Consistency, fn func() (interface{}, error)) (interface{}, error) {
	return n.router.Query(ctx, level, fn)
}

// Put submits a put command (spec §4.F).
func (n *Node) Put(ctx context.Context, key, value []byte, opts dispatcher.CallOptions) (interface{}, error) {
	return n.dispatcher.Put(ctx, key, value, opts)
}

// Delete submits a delete command.
func (n *Node) Delete(ctx context.Context, key []byte, opts dispatcher.CallOptions) (interface{}, error) {
	return n.dispatcher.Delete(ctx, key, opts)
}

// Touch submits a touch command.
func (n *Node) Touch(ctx context.Context, key []byte, additionalSeconds int64, opts dispatcher.CallOptions) (interface{}, error) {
	return n.dispatcher.Touch(ctx, key, additionalSeconds, opts)
}

// PutIf submits a conditional put command.
func (n *Node) PutIf(ctx context.Context, key, value []byte, cond wire.Condition, opts dispatcher.CallOptions) (interface{}, error) {
	return n.dispatcher.PutIf(ctx, key, value, cond, opts)
}

// DeleteIf submits a conditional delete command.
func (n *Node) DeleteIf(ctx context.Context, key []byte, cond wire.Condition, opts dispatcher.CallOptions) (interface{}, error) {
	return n.dispatcher.DeleteIf(ctx, key, cond, opts)
}

// runQuery wraps the router's result with the applied-index/applied-term
// pair every query carries (spec §4.G), sampled from the machine
// immediately after fn runs.
func (n *Node) runQuery(ctx context.Context, level consensus.Consistency, fn func() (interface{}, error)) (query.Result, error) {
	value, err := n.router.Query(ctx, level, fn)
	idx, term := n.machine.LastApplied()
	if err != nil {
		return query.Result{AppliedIndex: idx, AppliedTerm: term}, err
	}
	return query.Result{Value: value, AppliedIndex: idx, AppliedTerm: term}, nil
}

// queryNow samples the wall clock for read filtering. Unlike the
// deterministic Now carried on every command (spec §4.D), a query never
// mutates state and never needs to agree with any other replica about
// the instant it ran, so it may read its own clock.
func queryNow() int64 { return time.Now().Unix() }

// Get returns the decoded value and version for key (spec §4.D `get`).
func (n *Node) Get(ctx context.Context, key []byte, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		value, version, err := n.machine.Get(key, queryNow())
		if err != nil {
			return nil, err
		}
		return statemachine.Entry{Key: string(key), Value: value, Version: version}, nil
	})
}

// GetWithTTL is Get plus the key's absolute expiry, if any (spec §4.D
// `get_with_ttl`).
func (n *Node) GetWithTTL(ctx context.Context, key []byte, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		value, version, expiresAt, err := n.machine.GetWithTTL(key, queryNow())
		if err != nil {
			return nil, err
		}
		return statemachine.Entry{Key: string(key), Value: value, Version: version, ExpiresAt: expiresAt}, nil
	})
}

// TTL returns only a key's absolute expiry, if any (spec §4.D `ttl`).
func (n *Node) TTL(ctx context.Context, key []byte, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		expiresAt, err := n.machine.TTL(key, queryNow())
		if err != nil {
			return nil, err
		}
		return expiresAt, nil
	})
}

// GetAll returns every non-expired record, decoded (spec §4.D `get_all`).
func (n *Node) GetAll(ctx context.Context, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		return n.machine.GetAll(queryNow()), nil
	})
}

// GetAllWithTTL is GetAll (spec §4.D `get_all_with_ttl`).
func (n *Node) GetAllWithTTL(ctx context.Context, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		return n.machine.GetAllWithTTL(queryNow()), nil
	})
}

// GetMany returns a decoded entry for every key in keys that currently
// exists and isn't expired (spec §4.D `get_many`).
func (n *Node) GetMany(ctx context.Context, keys [][]byte, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		return n.machine.GetMany(keys, queryNow()), nil
	})
}

// LookupIndex returns the sorted set of keys holding token in the named
// secondary index (spec §4.D `lookup_index(name, token)`).
func (n *Node) LookupIndex(ctx context.Context, name, token string, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		return n.machine.LookupIndex(name, token)
	})
}

// KeysBy scans the keyspace per q (spec §4.D
// `keys_by(prefix|range|pattern, limit, offset)`).
func (n *Node) KeysBy(ctx context.Context, q statemachine.KeysByQuery, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		return n.machine.KeysBy(q, queryNow())
	})
}

// Stats reports current size/memory/index bookkeeping (spec §4.D `stats`).
func (n *Node) Stats(ctx context.Context, level consensus.Consistency) (query.Result, error) {
	return n.runQuery(ctx, level, func() (interface{}, error) {
		return n.machine.Stats(), nil
	})
}

// Subscribe registers a change-data-capture subscription.
func (n *Node) Subscribe(filter events.Filter) *events.Subscription {
	return n.pub.Subscribe(filter)
}

// Members reports the current cluster membership view.
func (n *Node) Members() []consensus.Member {
	return n.provider.Members()
}

// Close stops the TTL reaper (if running) and shuts down the consensus
// provider, releasing its on-disk log/stable/snapshot stores.
func (n *Node) Close() error {
	if n.reaper != nil {
		n.reaper.Stop()
	}
	return n.provider.Shutdown()
}
