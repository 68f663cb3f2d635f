// Package snapshot implements the versioned, checksummed on-disk state
// format (spec §4.E / §6): a full point-in-time dump of the state
// machine that supports crash recovery and log truncation.
package snapshot

import (
	"bytes"
	"crypto/sha256"

	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/index"
	"github.com/concorddb/concord/internal/serializer"
	"github.com/concorddb/concord/internal/store"
)

const (
	magic   = "CNCS"
	version = uint16(1)
)

// State is everything a snapshot needs to reconstruct the machine.
type State struct {
	CreatedUnix      uint64
	LastAppliedIndex uint64
	LastAppliedTerm  uint64
	Indexes          []index.Descriptor
	Records          []store.KV // must already be in lexicographic key order
}

// Encode serializes state per the §4.E layout: header, index catalog,
// records (in lexicographic key order, for reproducibility), then a
// trailing sha256 checksum of everything before it.
func Encode(state State) ([]byte, error) {
	var buf bytes.Buffer

	if _, err := buf.WriteString(magic); err != nil {
		return nil, err
	}
	if err := serializer.WriteUint16(&buf, version); err != nil {
		return nil, err
	}
	if err := serializer.WriteUint64(&buf, state.CreatedUnix); err != nil {
		return nil, err
	}
	if err := serializer.WriteUint64(&buf, state.LastAppliedIndex); err != nil {
		return nil, err
	}
	if err := serializer.WriteUint64(&buf, state.LastAppliedTerm); err != nil {
		return nil, err
	}

	if err := serializer.WriteUint32(&buf, uint32(len(state.Indexes))); err != nil {
		return nil, err
	}
	for _, d := range state.Indexes {
		if err := serializer.WriteString(&buf, d.Name); err != nil {
			return nil, err
		}
		if err := serializer.WriteString(&buf, d.ExtractorID); err != nil {
			return nil, err
		}
	}

	if err := serializer.WriteUint64(&buf, uint64(len(state.Records))); err != nil {
		return nil, err
	}
	for _, kv := range state.Records {
		if err := serializer.WriteFieldBytes(&buf, kv.Key); err != nil {
			return nil, err
		}
		flags := uint8(0)
		var expiresAt int64
		if kv.Record.ExpiresAt != nil {
			flags |= 0x01
			expiresAt = *kv.Record.ExpiresAt
		}
		if err := serializer.WriteUint8(&buf, flags); err != nil {
			return nil, err
		}
		if err := serializer.WriteInt64(&buf, expiresAt); err != nil {
			return nil, err
		}
		if err := serializer.WriteUint64(&buf, kv.Record.Version); err != nil {
			return nil, err
		}
		if err := serializer.WriteFieldBytes(&buf, kv.Record.Value); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])

	return buf.Bytes(), nil
}

// Decode parses and integrity-checks a snapshot produced by Encode.
// Restoring secondary indexes from the catalog is the caller's job
// (it needs the live extractor registry, which this package doesn't
// have); Decode only returns the descriptors and record set.
func Decode(b []byte) (State, error) {
	if len(b) < sha256.Size {
		return State{}, errs.ErrSnapshotIntegrityFail
	}
	body, wantSum := b[:len(b)-sha256.Size], b[len(b)-sha256.Size:]
	gotSum := sha256.Sum256(body)
	if !bytes.Equal(gotSum[:], wantSum) {
		return State{}, errs.ErrSnapshotIntegrityFail
	}

	r := bytes.NewReader(body)

	magicBuf := make([]byte, len(magic))
	if _, err := r.Read(magicBuf); err != nil || string(magicBuf) != magic {
		return State{}, errs.ErrSnapshotIntegrityFail
	}
	ver, err := serializer.ReadUint16(r)
	if err != nil || ver != version {
		return State{}, errs.ErrSnapshotIntegrityFail
	}

	var st State
	if st.CreatedUnix, err = serializer.ReadUint64(r); err != nil {
		return State{}, errs.ErrSnapshotIntegrityFail
	}
	if st.LastAppliedIndex, err = serializer.ReadUint64(r); err != nil {
		return State{}, errs.ErrSnapshotIntegrityFail
	}
	if st.LastAppliedTerm, err = serializer.ReadUint64(r); err != nil {
		return State{}, errs.ErrSnapshotIntegrityFail
	}

	idxCount, err := serializer.ReadUint32(r)
	if err != nil {
		return State{}, errs.ErrSnapshotIntegrityFail
	}
	st.Indexes = make([]index.Descriptor, 0, idxCount)
	for i := uint32(0); i < idxCount; i++ {
		name, err := serializer.ReadString(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		extractorID, err := serializer.ReadString(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		st.Indexes = append(st.Indexes, index.Descriptor{Name: name, ExtractorID: extractorID})
	}

	recCount, err := serializer.ReadUint64(r)
	if err != nil {
		return State{}, errs.ErrSnapshotIntegrityFail
	}
	st.Records = make([]store.KV, 0, recCount)
	for i := uint64(0); i < recCount; i++ {
		key, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		flags, err := serializer.ReadUint8(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		expiresAt, err := serializer.ReadInt64(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		ver, err := serializer.ReadUint64(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		value, err := serializer.ReadFieldBytes(r)
		if err != nil {
			return State{}, errs.ErrSnapshotIntegrityFail
		}
		rec := &store.Record{Value: value, Version: ver}
		if flags&0x01 != 0 {
			e := expiresAt
			rec.ExpiresAt = &e
		}
		st.Records = append(st.Records, store.KV{Key: key, Record: rec})
	}

	return st, nil
}
