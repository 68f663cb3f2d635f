// Package dispatcher implements the command dispatcher (spec §4.F):
// local validation of every write before it is ever proposed to the
// replicated log, then submission through internal/consensus.Provider.
//
// It generalizes the teacher's cluster.Cluster coordinator path, which
// picked a consistency level and forwarded to LocalNode/RemoteNode,
// into a single local dispatch against one Provider.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/consensus"
	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/store"
	"github.com/concorddb/concord/internal/wire"
)

// DefaultMaxBatchSize bounds put_many/delete_many/touch_many (spec §6
// `max_batch_size`, default 500).
const DefaultMaxBatchSize = 500

// Config wires a Dispatcher's collaborators.
type Config struct {
	Provider     consensus.Provider
	MaxBatchSize int
	Clock        func() int64 // overridable for tests; defaults to time.Now().Unix
	Logger       *zap.Logger
}

// Dispatcher validates and submits write commands.
type Dispatcher struct {
	provider     consensus.Provider
	maxBatchSize int
	clock        func() int64
	log          *zap.Logger
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	size := cfg.MaxBatchSize
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{provider: cfg.Provider, maxBatchSize: size, clock: clock, log: logger}
}

// Submit validates cmd locally, stamps it with the current clock
// sample (the leader's deterministic `now_seconds`, spec §4.D), and
// proposes it through the consensus provider. Now is stamped before
// validation so a put's absolute ExpiresAt can be checked against the
// same clock sample the log entry will carry.
func (d *Dispatcher) Submit(ctx context.Context, cmd wire.Command) (interface{}, error) {
	cmd.Now = d.clock()
	if err := d.validate(cmd); err != nil {
		return nil, err
	}
	return d.provider.SubmitCommand(ctx, cmd)
}

// CallOptions carries spec §4.F's per-call options that aren't already
// implied by ctx: TimeoutMs bounds the call beyond whatever deadline
// ctx already has (a caller may supply either or both); TTLSeconds is
// converted to an absolute ExpiresAt sampled from the dispatcher's
// clock before submission (spec §4.B); AuthToken is opaque to the
// core — it is accepted here only so host-layer authorization can be
// threaded through the same call, never inspected or validated below;
// Consistency exists for API symmetry with the read path and is
// ignored on every write.
type CallOptions struct {
	TimeoutMs   int64
	TTLSeconds  int64
	AuthToken   string
	Consistency consensus.Consistency
}

func (d *Dispatcher) withTimeout(ctx context.Context, timeoutMs int64) (context.Context, context.CancelFunc) {
	if timeoutMs <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
}

// expiresAt converts a relative ttlSeconds into an absolute expiry
// sampled from the dispatcher's clock before submission (spec §4.B:
// "the caller (dispatcher) embeds an expires_at computed before log
// submission"). Zero means "no expiry"; negative is rejected here so
// it never reaches the log.
func (d *Dispatcher) expiresAt(ttlSeconds int64) (*int64, error) {
	if ttlSeconds == 0 {
		return nil, nil
	}
	if ttlSeconds < 0 {
		return nil, errs.ErrInvalidTTL
	}
	expires := d.clock() + ttlSeconds
	return &expires, nil
}

// Put wraps a put command (spec §4.F), converting opts.TTLSeconds to
// an absolute ExpiresAt before submission.
func (d *Dispatcher) Put(ctx context.Context, key, value []byte, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	expiresAt, err := d.expiresAt(opts.TTLSeconds)
	if err != nil {
		return nil, err
	}
	return d.Submit(ctx, wire.Command{Tag: wire.TagPut, Put: &wire.PutOp{Key: key, Value: value, ExpiresAt: expiresAt}})
}

// Delete wraps a delete command.
func (d *Dispatcher) Delete(ctx context.Context, key []byte, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagDelete, Delete: &wire.DeleteOp{Key: key}})
}

// Touch wraps a touch command.
func (d *Dispatcher) Touch(ctx context.Context, key []byte, additionalSeconds int64, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagTouch, Touch: &wire.TouchOp{Key: key, AdditionalSeconds: additionalSeconds}})
}

// PutIf wraps a put_if command.
func (d *Dispatcher) PutIf(ctx context.Context, key, value []byte, cond wire.Condition, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagPutIf, PutIf: &wire.PutIfOp{Key: key, Value: value, Cond: cond}})
}

// DeleteIf wraps a delete_if command.
func (d *Dispatcher) DeleteIf(ctx context.Context, key []byte, cond wire.Condition, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagDeleteIf, DeleteIf: &wire.DeleteIfOp{Key: key, Cond: cond}})
}

// PutManyOp is one (key, value, ttl) entry in a PutMany batch; each
// entry's TTLSeconds is converted to an absolute ExpiresAt from its own
// d.clock() sample, taken as PutMany builds the batch.
type PutManyOp struct {
	Key        []byte
	Value      []byte
	TTLSeconds int64
}

// PutMany wraps a put_many command.
func (d *Dispatcher) PutMany(ctx context.Context, ops []PutManyOp, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	wireOps := make([]wire.PutOp, len(ops))
	for i, op := range ops {
		expiresAt, err := d.expiresAt(op.TTLSeconds)
		if err != nil {
			return nil, err
		}
		wireOps[i] = wire.PutOp{Key: op.Key, Value: op.Value, ExpiresAt: expiresAt}
	}
	return d.Submit(ctx, wire.Command{Tag: wire.TagPutMany, PutMany: wireOps})
}

// DeleteMany wraps a delete_many command.
func (d *Dispatcher) DeleteMany(ctx context.Context, keys [][]byte, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagDeleteMany, DeleteMany: keys})
}

// TouchMany wraps a touch_many command.
func (d *Dispatcher) TouchMany(ctx context.Context, ops []wire.TouchOp, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagTouchMany, TouchMany: ops})
}

// IndexCreate wraps an index_create command.
func (d *Dispatcher) IndexCreate(ctx context.Context, desc wire.IndexCreateOp, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagIndexCreate, IndexCreate: &desc})
}

// IndexDrop wraps an index_drop command.
func (d *Dispatcher) IndexDrop(ctx context.Context, name string, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagIndexDrop, IndexDrop: &wire.IndexDropOp{Name: name}})
}

// IndexReindex wraps an index_reindex command.
func (d *Dispatcher) IndexReindex(ctx context.Context, name string, opts CallOptions) (interface{}, error) {
	ctx, cancel := d.withTimeout(ctx, opts.TimeoutMs)
	defer cancel()
	return d.Submit(ctx, wire.Command{Tag: wire.TagIndexReindex, IndexReindex: &wire.IndexReindexOp{Name: name}})
}

func (d *Dispatcher) validate(cmd wire.Command) error {
	switch cmd.Tag {
	case wire.TagPut:
		return validatePut(*cmd.Put, cmd.Now)
	case wire.TagDelete:
		return store.ValidateKey(cmd.Delete.Key)
	case wire.TagTouch:
		if err := store.ValidateKey(cmd.Touch.Key); err != nil {
			return err
		}
		return validateTTL(cmd.Touch.AdditionalSeconds)
	case wire.TagPutIf:
		if err := store.ValidateKey(cmd.PutIf.Key); err != nil {
			return err
		}
		return validateCondition(cmd.PutIf.Cond)
	case wire.TagDeleteIf:
		if err := store.ValidateKey(cmd.DeleteIf.Key); err != nil {
			return err
		}
		return validateCondition(cmd.DeleteIf.Cond)
	case wire.TagPutMany:
		if err := d.validateBatchSize(len(cmd.PutMany)); err != nil {
			return err
		}
		for _, op := range cmd.PutMany {
			if err := validatePut(op, cmd.Now); err != nil {
				return err
			}
		}
		return nil
	case wire.TagDeleteMany:
		if err := d.validateBatchSize(len(cmd.DeleteMany)); err != nil {
			return err
		}
		for _, k := range cmd.DeleteMany {
			if err := store.ValidateKey(k); err != nil {
				return err
			}
		}
		return nil
	case wire.TagTouchMany:
		if err := d.validateBatchSize(len(cmd.TouchMany)); err != nil {
			return err
		}
		for _, op := range cmd.TouchMany {
			if err := store.ValidateKey(op.Key); err != nil {
				return err
			}
			if err := validateTTL(op.AdditionalSeconds); err != nil {
				return err
			}
		}
		return nil
	case wire.TagCleanupExpired, wire.TagIndexDrop:
		return nil
	case wire.TagIndexCreate:
		if cmd.IndexCreate.Name == "" || cmd.IndexCreate.ExtractorID == "" {
			return errs.ErrInvalidOperationFormat
		}
		return nil
	case wire.TagIndexReindex:
		if cmd.IndexReindex.Name == "" {
			return errs.ErrInvalidOperationFormat
		}
		return nil
	default:
		return errs.ErrInvalidOperationFormat
	}
}

func (d *Dispatcher) validateBatchSize(n int) error {
	if n == 0 || n > d.maxBatchSize {
		return errs.ErrBatchTooLarge
	}
	return nil
}

// validatePut enforces key shape and, when the op carries an expiry,
// that it names a TTL still in the future relative to now — the same
// absolute instant that will be stamped onto the log entry (spec §4.F:
// "TTL positive integer", extended here to the put path, not just
// touch's AdditionalSeconds).
func validatePut(op wire.PutOp, now int64) error {
	if err := store.ValidateKey(op.Key); err != nil {
		return err
	}
	if op.ExpiresAt != nil && *op.ExpiresAt <= now {
		return errs.ErrInvalidTTL
	}
	return nil
}

func validateTTL(additionalSeconds int64) error {
	if additionalSeconds <= 0 {
		return errs.ErrInvalidTTL
	}
	return nil
}

func validateCondition(cond wire.Condition) error {
	switch cond.Kind {
	case wire.ConditionExpectedValue, wire.ConditionPredicate:
		return nil
	default:
		return errs.ErrMissingCondition
	}
}
