// Package ttl implements the TTL reaper (spec §4.H): a leader-only
// ticker that periodically submits cleanup_expired through the
// dispatcher, restarting whenever this node's leadership status
// changes.
package ttl

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/consensus"
	"github.com/concorddb/concord/internal/wire"
)

// DefaultInterval matches spec §6 `ttl.cleanup_interval_seconds` default.
const DefaultInterval = 300 * time.Second

// Submitter is the subset of the dispatcher the reaper needs.
type Submitter interface {
	Submit(ctx context.Context, cmd wire.Command) (interface{}, error)
}

// Config wires a Reaper's collaborators.
type Config struct {
	Dispatcher Submitter
	Provider   consensus.Provider
	Interval   time.Duration
	Logger     *zap.Logger
}

// Reaper runs cleanup_expired on a ticker while this node is leader.
type Reaper struct {
	dispatcher Submitter
	provider   consensus.Provider
	interval   time.Duration
	log        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	unsub  func()
}

// New constructs a Reaper. Call Start to begin ticking.
func New(cfg Config) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{dispatcher: cfg.Dispatcher, provider: cfg.Provider, interval: interval, log: logger}
}

// Start begins ticking if this node is already leader, and registers
// for leadership-change notifications to start/stop accordingly.
func (r *Reaper) Start() {
	r.unsub = r.provider.OnLeaderChange(func(change consensus.LeaderChange) {
		if change.IsLeader {
			r.startTicking()
		} else {
			r.stopTicking()
		}
	})
	if r.provider.IsLeader() {
		r.startTicking()
	}
}

// Stop halts ticking and unregisters the leadership callback.
func (r *Reaper) Stop() {
	r.stopTicking()
	if r.unsub != nil {
		r.unsub()
	}
}

func (r *Reaper) startTicking() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return // already ticking
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

func (r *Reaper) stopTicking() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
}

func (r *Reaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick submits one cleanup_expired. A failure is logged and retried on
// the next tick — the reaper never panics or stops ticking over a
// transient submission error (spec §4.H).
func (r *Reaper) tick(ctx context.Context) {
	submitCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()
	if _, err := r.dispatcher.Submit(submitCtx, wire.Command{Tag: wire.TagCleanupExpired,
		CleanupExpired: &wire.CleanupExpiredOp{}}); err != nil {
		r.log.Warn("cleanup_expired submission failed, will retry next tick", zap.Error(err))
	}
}
