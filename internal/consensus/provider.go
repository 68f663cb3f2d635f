// Package consensus defines the contract the rest of the core uses to
// reach agreement and serve queries (spec §6), independent of which
// consensus algorithm backs it. internal/consensus/raftprovider is the
// one concrete adapter this repo ships, built on hashicorp/raft.
package consensus

import (
	"context"

	"github.com/concorddb/concord/internal/wire"
)

// Consistency names a query's read guarantee (spec §4.G).
type Consistency string

const (
	ConsistencyEventual Consistency = "eventual"
	ConsistencyLeader   Consistency = "leader"
	ConsistencyStrong   Consistency = "strong"
)

// Member describes one node in the cluster, for the `members` operation.
type Member struct {
	ID       string
	Address  string
	IsLeader bool
}

// LeaderChange is delivered to OnLeaderChange subscribers whenever this
// node's leadership status transitions.
type LeaderChange struct {
	IsLeader bool
	LeaderID string
}

// Provider is the consensus-layer contract every command and query
// passes through (spec §6): submit_command, local_query, leader_query,
// linearizable_query, take_snapshot, on_leader_change, members. It has
// no install-snapshot method; a snapshot received from the cluster is
// restored only through the implementation's own state-machine hook
// (raftprovider's fsm.Restore).
type Provider interface {
	// SubmitCommand proposes cmd to the replicated log and blocks until
	// it is committed and applied, returning the state machine's Reply.
	SubmitCommand(ctx context.Context, cmd wire.Command) (interface{}, error)

	// LocalQuery runs fn against this node's local state immediately,
	// with no agreement round trip (eventual consistency).
	LocalQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)

	// LeaderQuery runs fn against the current leader's latest-applied
	// local state, without a read-index check (spec §9 open question:
	// pinned to latest-applied-on-leader, not read-index-verified).
	LeaderQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)

	// LinearizableQuery runs fn only after confirming this node is still
	// leader via a read-index round trip (strong consistency).
	LinearizableQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)

	// IsLeader reports whether this node currently believes it is leader.
	IsLeader() bool

	// TakeSnapshot forces an immediate snapshot and log truncation.
	TakeSnapshot() error

	// OnLeaderChange registers a callback invoked on every leadership
	// transition observed by this node. Returns an unsubscribe func.
	OnLeaderChange(cb func(LeaderChange)) (unsubscribe func())

	// Members reports the current cluster membership view.
	Members() []Member

	// Shutdown releases the provider's resources.
	Shutdown() error
}
