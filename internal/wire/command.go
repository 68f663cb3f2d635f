// Package wire implements the tagged, versioned command encoding that
// travels through the replicated log (spec §6). Every entry is
// `schema_version:u16, tag:u8, now:i64, payload` so that rolling upgrades can
// reject entries from an incompatible schema before they ever reach
// the state machine.
package wire

import (
	"bytes"

	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/serializer"
)

// SchemaVersion is bumped whenever the wire layout of any command changes.
const SchemaVersion uint16 = 1

// Tag identifies a command's shape on the wire (spec §6 table).
type Tag uint8

const (
	TagPut        Tag = 0x01
	TagDelete     Tag = 0x02
	TagTouch      Tag = 0x03
	TagPutIf      Tag = 0x04
	TagDeleteIf   Tag = 0x05
	TagPutMany    Tag = 0x10
	TagDeleteMany Tag = 0x11
	TagTouchMany  Tag = 0x12

	TagCleanupExpired Tag = 0x20

	TagIndexCreate  Tag = 0x30
	TagIndexDrop    Tag = 0x31
	TagIndexReindex Tag = 0x32
)

// ConditionKind distinguishes the two shapes a put_if/delete_if
// condition may take (spec §4.D).
type ConditionKind uint8

const (
	ConditionExpectedValue ConditionKind = 1
	ConditionPredicate     ConditionKind = 2
)

// Condition is the cond argument of put_if/delete_if.
type Condition struct {
	Kind          ConditionKind
	ExpectedValue []byte // set when Kind == ConditionExpectedValue
	PredicateID   string // set when Kind == ConditionPredicate
	Token         string // the predicate's expected token, when Kind == ConditionPredicate
}

// PutOp is one (key, value, ttl) write, used standalone and inside put_many.
type PutOp struct {
	Key       []byte
	Value     []byte
	ExpiresAt *int64
}

// TouchOp extends a key's TTL, used standalone and inside touch_many.
type TouchOp struct {
	Key               []byte
	AdditionalSeconds int64
}

// Command is the decoded form of a single log entry. Exactly one of
// the pointer/slice fields matching Tag is populated.
//
// Now carries the leader's proposal-time clock sample on every command:
// touch, touch_many and cleanup_expired compute expiries from it, and
// the other writes use it to treat an already-expired record as absent.
// The state machine never reads its own clock (spec §4.D determinism
// rules), so this is how all replicas agree on "now" for that entry.
type Command struct {
	Tag Tag
	Now int64

	Put      *PutOp
	Delete   *DeleteOp
	Touch    *TouchOp
	PutIf    *PutIfOp
	DeleteIf *DeleteIfOp

	PutMany    []PutOp
	DeleteMany [][]byte
	TouchMany  []TouchOp

	CleanupExpired *CleanupExpiredOp

	IndexCreate  *IndexCreateOp
	IndexDrop    *IndexDropOp
	IndexReindex *IndexReindexOp
}

type DeleteOp struct{ Key []byte }

type PutIfOp struct {
	Key   []byte
	Value []byte
	Cond  Condition
}

type DeleteIfOp struct {
	Key  []byte
	Cond Condition
}

// CleanupExpiredOp carries no fields of its own; the command's Now
// field supplies the deterministic clock sample.
type CleanupExpiredOp struct{}

type IndexCreateOp struct {
	Name        string
	ExtractorID string
	Reindex     bool
}

type IndexDropOp struct{ Name string }

type IndexReindexOp struct{ Name string }

// Encode serializes cmd with the schema_version header.
func Encode(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := serializer.WriteUint16(&buf, SchemaVersion); err != nil {
		return nil, err
	}
	if err := serializer.WriteUint8(&buf, uint8(cmd.Tag)); err != nil {
		return nil, err
	}
	// Now is carried on every command, not only the ones whose semantics
	// reference it in §4.D's prose — it is how followers learn the
	// leader's proposal-time clock sample for expiry-aware absence
	// checks (invariant 1) on every write, not just touch/cleanup_expired.
	if err := serializer.WriteInt64(&buf, cmd.Now); err != nil {
		return nil, err
	}
	if err := encodePayload(&buf, cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a log entry produced by Encode. Entries whose
// schema_version this build doesn't understand are rejected rather than
// guessed at.
func Decode(b []byte) (Command, error) {
	r := bytes.NewReader(b)
	version, err := serializer.ReadUint16(r)
	if err != nil {
		return Command{}, errs.ErrMalformedEncoding
	}
	if version != SchemaVersion {
		return Command{}, errs.ErrMalformedEncoding
	}
	tagByte, err := serializer.ReadUint8(r)
	if err != nil {
		return Command{}, errs.ErrMalformedEncoding
	}
	now, err := serializer.ReadInt64(r)
	if err != nil {
		return Command{}, errs.ErrMalformedEncoding
	}
	cmd := Command{Tag: Tag(tagByte), Now: now}
	if err := decodePayload(r, &cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func encodePayload(w *bytes.Buffer, cmd Command) error {
	switch cmd.Tag {
	case TagPut:
		return writePutOp(w, *cmd.Put)
	case TagDelete:
		return serializer.WriteFieldBytes(w, cmd.Delete.Key)
	case TagTouch:
		if err := serializer.WriteFieldBytes(w, cmd.Touch.Key); err != nil {
			return err
		}
		return serializer.WriteInt64(w, cmd.Touch.AdditionalSeconds)
	case TagPutIf:
		if err := serializer.WriteFieldBytes(w, cmd.PutIf.Key); err != nil {
			return err
		}
		if err := serializer.WriteFieldBytes(w, cmd.PutIf.Value); err != nil {
			return err
		}
		return writeCondition(w, cmd.PutIf.Cond)
	case TagDeleteIf:
		if err := serializer.WriteFieldBytes(w, cmd.DeleteIf.Key); err != nil {
			return err
		}
		return writeCondition(w, cmd.DeleteIf.Cond)
	case TagPutMany:
		if err := serializer.WriteUint32(w, uint32(len(cmd.PutMany))); err != nil {
			return err
		}
		for _, op := range cmd.PutMany {
			if err := writePutOp(w, op); err != nil {
				return err
			}
		}
		return nil
	case TagDeleteMany:
		if err := serializer.WriteUint32(w, uint32(len(cmd.DeleteMany))); err != nil {
			return err
		}
		for _, k := range cmd.DeleteMany {
			if err := serializer.WriteFieldBytes(w, k); err != nil {
				return err
			}
		}
		return nil
	case TagTouchMany:
		if err := serializer.WriteUint32(w, uint32(len(cmd.TouchMany))); err != nil {
			return err
		}
		for _, op := range cmd.TouchMany {
			if err := serializer.WriteFieldBytes(w, op.Key); err != nil {
				return err
			}
			if err := serializer.WriteInt64(w, op.AdditionalSeconds); err != nil {
				return err
			}
		}
		return nil
	case TagCleanupExpired:
		return nil
	case TagIndexCreate:
		if err := serializer.WriteString(w, cmd.IndexCreate.Name); err != nil {
			return err
		}
		if err := serializer.WriteString(w, cmd.IndexCreate.ExtractorID); err != nil {
			return err
		}
		reindex := uint8(0)
		if cmd.IndexCreate.Reindex {
			reindex = 1
		}
		return serializer.WriteUint8(w, reindex)
	case TagIndexDrop:
		return serializer.WriteString(w, cmd.IndexDrop.Name)
	case TagIndexReindex:
		return serializer.WriteString(w, cmd.IndexReindex.Name)
	default:
		return errs.ErrInvalidOperationFormat
	}
}

func decodePayload(r *bytes.Reader, cmd *Command) error {
	switch cmd.Tag {
	case TagPut:
		op, err := readPutOp(r)
		if err != nil {
			return err
		}
		cmd.Put = &op
	case TagDelete:
		key, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cmd.Delete = &DeleteOp{Key: key}
	case TagTouch:
		key, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		secs, err := serializer.ReadInt64(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cmd.Touch = &TouchOp{Key: key, AdditionalSeconds: secs}
	case TagPutIf:
		key, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		value, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cond, err := readCondition(r)
		if err != nil {
			return err
		}
		cmd.PutIf = &PutIfOp{Key: key, Value: value, Cond: cond}
	case TagDeleteIf:
		key, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cond, err := readCondition(r)
		if err != nil {
			return err
		}
		cmd.DeleteIf = &DeleteIfOp{Key: key, Cond: cond}
	case TagPutMany:
		n, err := serializer.ReadUint32(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		ops := make([]PutOp, 0, n)
		for i := uint32(0); i < n; i++ {
			op, err := readPutOp(r)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		cmd.PutMany = ops
	case TagDeleteMany:
		n, err := serializer.ReadUint32(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		keys := make([][]byte, 0, n)
		for i := uint32(0); i < n; i++ {
			k, err := serializer.ReadFieldBytes(r)
			if err != nil {
				return errs.ErrMalformedEncoding
			}
			keys = append(keys, k)
		}
		cmd.DeleteMany = keys
	case TagTouchMany:
		n, err := serializer.ReadUint32(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		ops := make([]TouchOp, 0, n)
		for i := uint32(0); i < n; i++ {
			k, err := serializer.ReadFieldBytes(r)
			if err != nil {
				return errs.ErrMalformedEncoding
			}
			secs, err := serializer.ReadInt64(r)
			if err != nil {
				return errs.ErrMalformedEncoding
			}
			ops = append(ops, TouchOp{Key: k, AdditionalSeconds: secs})
		}
		cmd.TouchMany = ops
	case TagCleanupExpired:
		cmd.CleanupExpired = &CleanupExpiredOp{}
	case TagIndexCreate:
		name, err := serializer.ReadString(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		extractorID, err := serializer.ReadString(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		reindex, err := serializer.ReadUint8(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cmd.IndexCreate = &IndexCreateOp{Name: name, ExtractorID: extractorID, Reindex: reindex != 0}
	case TagIndexDrop:
		name, err := serializer.ReadString(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cmd.IndexDrop = &IndexDropOp{Name: name}
	case TagIndexReindex:
		name, err := serializer.ReadString(r)
		if err != nil {
			return errs.ErrMalformedEncoding
		}
		cmd.IndexReindex = &IndexReindexOp{Name: name}
	default:
		return errs.ErrInvalidOperationFormat
	}
	return nil
}

func writePutOp(w *bytes.Buffer, op PutOp) error {
	if err := serializer.WriteFieldBytes(w, op.Key); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(w, op.Value); err != nil {
		return err
	}
	has := uint8(0)
	var expires int64
	if op.ExpiresAt != nil {
		has = 1
		expires = *op.ExpiresAt
	}
	if err := serializer.WriteUint8(w, has); err != nil {
		return err
	}
	return serializer.WriteInt64(w, expires)
}

func readPutOp(r *bytes.Reader) (PutOp, error) {
	key, err := serializer.ReadFieldBytes(r)
	if err != nil {
		return PutOp{}, errs.ErrMalformedEncoding
	}
	value, err := serializer.ReadFieldBytes(r)
	if err != nil {
		return PutOp{}, errs.ErrMalformedEncoding
	}
	has, err := serializer.ReadUint8(r)
	if err != nil {
		return PutOp{}, errs.ErrMalformedEncoding
	}
	expires, err := serializer.ReadInt64(r)
	if err != nil {
		return PutOp{}, errs.ErrMalformedEncoding
	}
	op := PutOp{Key: key, Value: value}
	if has != 0 {
		op.ExpiresAt = &expires
	}
	return op, nil
}

func writeCondition(w *bytes.Buffer, cond Condition) error {
	if err := serializer.WriteUint8(w, uint8(cond.Kind)); err != nil {
		return err
	}
	switch cond.Kind {
	case ConditionExpectedValue:
		return serializer.WriteFieldBytes(w, cond.ExpectedValue)
	case ConditionPredicate:
		if err := serializer.WriteString(w, cond.PredicateID); err != nil {
			return err
		}
		return serializer.WriteString(w, cond.Token)
	default:
		return errs.ErrConflictingConditions
	}
}

func readCondition(r *bytes.Reader) (Condition, error) {
	kind, err := serializer.ReadUint8(r)
	if err != nil {
		return Condition{}, errs.ErrMalformedEncoding
	}
	cond := Condition{Kind: ConditionKind(kind)}
	switch cond.Kind {
	case ConditionExpectedValue:
		val, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return Condition{}, errs.ErrMalformedEncoding
		}
		cond.ExpectedValue = val
	case ConditionPredicate:
		id, err := serializer.ReadString(r)
		if err != nil {
			return Condition{}, errs.ErrMalformedEncoding
		}
		token, err := serializer.ReadString(r)
		if err != nil {
			return Condition{}, errs.ErrMalformedEncoding
		}
		cond.PredicateID = id
		cond.Token = token
	default:
		return Condition{}, errs.ErrMissingCondition
	}
	return cond, nil
}
