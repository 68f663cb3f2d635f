// Package query implements the query router (spec §4.G): resolves a
// requested consistency level to the right internal/consensus.Provider
// call, defaulting unknown/unset levels to a safe choice rather than
// guessing.
//
// This is a direct generalization of the teacher's
// cluster.ConsistencyLevel enum (CONSISTENCY_ONE / CONSISTENCY_QUORUM /
// CONSISTENCY_CONSENSUS) onto hashicorp/raft's own read primitives.
package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/consensus"
)

// Result wraps a query's value with the applied-index/applied-term
// pair every query returns, so callers can detect staleness (spec §4.G).
type Result struct {
	Value       interface{}
	AppliedIndex uint64
	AppliedTerm  uint64
}

// DefaultConsistency is used when a caller doesn't specify a level
// (spec §6 `default_read_consistency`).
const DefaultConsistency = consensus.ConsistencyLeader

// Router resolves consistency levels against a Provider.
type Router struct {
	provider consensus.Provider
	log      *zap.Logger
}

// Config wires a Router's collaborators.
type Config struct {
	Provider consensus.Provider
	Logger   *zap.Logger
}

// New constructs a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{provider: cfg.Provider, log: logger}
}

// Query runs fn at the requested consistency level. An unrecognized
// level falls back to DefaultConsistency rather than failing the
// request outright — the level is a read-path optimization hint, not a
// contract the caller can break the query with.
func (r *Router) Query(ctx context.Context, level consensus.Consistency, fn func() (interface{}, error)) (interface{}, error) {
	switch level {
	case consensus.ConsistencyEventual:
		return r.provider.LocalQuery(ctx, fn)
	case consensus.ConsistencyStrong:
		return r.provider.LinearizableQuery(ctx, fn)
	case consensus.ConsistencyLeader:
		return r.provider.LeaderQuery(ctx, fn)
	default:
		r.log.Warn("unknown consistency level, falling back to default",
			zap.String("requested", string(level)), zap.String("default", string(DefaultConsistency)))
		return r.provider.LeaderQuery(ctx, fn)
	}
}
