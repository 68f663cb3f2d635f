package raftprovider

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/consensus"
	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/statemachine"
	"github.com/concorddb/concord/internal/wire"
)

// Config bootstraps a raft-backed Provider.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Bootstrap, when true, forms a brand-new single-node cluster on
	// first start. Joining nodes must leave this false.
	Bootstrap bool

	SnapshotRetain int // number of snapshots to retain, default 2
	Logger         *zap.Logger

	Machine *statemachine.Machine
}

// Provider is the hashicorp/raft-backed consensus.Provider this repo
// ships (spec §6 domain stack).
type Provider struct {
	raft    *raft.Raft
	fsm     *fsm
	machine *statemachine.Machine
	log     *zap.Logger

	transport *raft.NetworkTransport

	mu        sync.Mutex
	listeners []func(consensus.LeaderChange)
}

var _ consensus.Provider = (*Provider)(nil)

// New constructs and starts a Provider: opens the bolt log/stable
// stores and file snapshot store under cfg.DataDir (the same pairing
// openbao uses: hashicorp/raft + raft-boltdb/v2 over go.etcd.io/bbolt),
// and either bootstraps a single-member cluster or waits to be joined.
func New(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retain := cfg.SnapshotRetain
	if retain <= 0 {
		retain = 2
	}

	f := &fsm{machine: cfg.Machine, log: logger}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, errors.Wrap(err, "open raft log store")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, errors.Wrap(err, "open raft stable store")
	}
	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, retain, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open raft snapshot store")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve raft bind address")
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create raft transport")
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, errors.Wrap(err, "start raft")
	}

	if cfg.Bootstrap {
		cfgFuture := r.GetConfiguration()
		if err := cfgFuture.Error(); err != nil {
			return nil, errors.Wrap(err, "read raft configuration")
		}
		if len(cfgFuture.Configuration().Servers) == 0 {
			r.BootstrapCluster(raft.Configuration{
				Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
			})
		}
	}

	p := &Provider{raft: r, fsm: f, machine: cfg.Machine, log: logger, transport: transport}
	go p.watchLeadership()
	return p, nil
}

// watchLeadership fans raft's own leader notification channel out to
// every registered OnLeaderChange callback.
func (p *Provider) watchLeadership() {
	for isLeader := range p.raft.LeaderCh() {
		change := consensus.LeaderChange{IsLeader: isLeader, LeaderID: string(p.currentLeaderID())}
		p.mu.Lock()
		cbs := append([]func(consensus.LeaderChange){}, p.listeners...)
		p.mu.Unlock()
		for _, cb := range cbs {
			cb(change)
		}
	}
}

func (p *Provider) currentLeaderID() raft.ServerID {
	_, id := p.raft.LeaderWithID()
	return id
}

// SubmitCommand proposes cmd and blocks for its commit+apply result.
func (p *Provider) SubmitCommand(ctx context.Context, cmd wire.Command) (interface{}, error) {
	data, err := wire.Encode(cmd)
	if err != nil {
		return nil, err
	}
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	future := p.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, errs.ErrNotLeader
		}
		if errors.Is(err, raft.ErrEnqueueTimeout) {
			return nil, errs.ErrTimeout
		}
		return nil, errs.ErrClusterNotReady
	}
	reply := future.Response().(statemachine.Reply)
	if reply.Err != nil {
		return nil, reply.Err
	}
	return reply.Result, nil
}

// LocalQuery runs fn immediately against local state, no round trip.
func (p *Provider) LocalQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}

// LeaderQuery runs fn against the leader's latest-applied state. Since
// this core doesn't forward RPCs between nodes (spec §1: cluster
// transport is the host's concern), a non-leader must report
// ErrNotLeader so the host can redirect the caller.
func (p *Provider) LeaderQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if p.raft.State() != raft.Leader {
		return nil, errs.ErrNotLeader
	}
	return fn()
}

// LinearizableQuery confirms leadership via a read-index round trip
// (raft.Raft.VerifyLeader) before running fn, satisfying strong reads.
func (p *Provider) LinearizableQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	future := p.raft.VerifyLeader()
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, errs.ErrNotLeader
		}
		return nil, errs.ErrClusterNotReady
	}
	return fn()
}

func (p *Provider) IsLeader() bool {
	return p.raft.State() == raft.Leader
}

func (p *Provider) TakeSnapshot() error {
	return p.raft.Snapshot().Error()
}

func (p *Provider) OnLeaderChange(cb func(consensus.LeaderChange)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, cb)
	idx := len(p.listeners) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.listeners) {
			p.listeners = append(p.listeners[:idx], p.listeners[idx+1:]...)
		}
	}
}

func (p *Provider) Members() []consensus.Member {
	cfgFuture := p.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		p.log.Error("read raft configuration failed", zap.Error(err))
		return nil
	}
	leaderAddr, leaderID := p.raft.LeaderWithID()
	members := make([]consensus.Member, 0, len(cfgFuture.Configuration().Servers))
	for _, s := range cfgFuture.Configuration().Servers {
		members = append(members, consensus.Member{
			ID:       string(s.ID),
			Address:  string(s.Address),
			IsLeader: s.ID == leaderID && s.Address == leaderAddr,
		})
	}
	return members
}

func (p *Provider) Shutdown() error {
	return p.raft.Shutdown().Error()
}
