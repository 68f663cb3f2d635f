// Package raftprovider adapts internal/statemachine.Machine into a
// hashicorp/raft consensus.Provider, the way openbao's physical/raft
// and consul's consul/fsm.go wrap their own state machines as
// raft.FSM/raft.FSMSnapshot implementations.
package raftprovider

import (
	"io"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/snapshot"
	"github.com/concorddb/concord/internal/statemachine"
	"github.com/concorddb/concord/internal/wire"
)

// fsm wires a *statemachine.Machine into raft.FSM. It is never touched
// outside of raft's own apply/snapshot goroutines.
type fsm struct {
	machine *statemachine.Machine
	log     *zap.Logger
}

var _ raft.FSM = (*fsm)(nil)

// Apply decodes one committed log entry and runs it through the
// machine. Decode failures are fatal: a corrupt entry that made it
// through consensus means something upstream of this node is broken,
// so the FSM panics rather than silently diverging from its peers.
func (f *fsm) Apply(log_ *raft.Log) interface{} {
	cmd, err := wire.Decode(log_.Data)
	if err != nil {
		f.log.Error("corrupt log entry", zap.Uint64("index", log_.Index), zap.Error(err))
		panic(err)
	}
	reply := f.machine.Apply(cmd, log_.Index, log_.Term)
	return reply
}

// fsmSnapshot holds an encoded point-in-time copy ready for
// raft.SnapshotSink.Write; producing it on Snapshot (not Persist) keeps
// the FSM's own apply loop from blocking on slow disk I/O.
type fsmSnapshot struct {
	data []byte
}

// Snapshot's CreatedUnix is metadata only, never read back by Apply, so
// unlike command timestamps it may safely come from the local wall
// clock: each node snapshots independently of its peers.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	st := f.machine.Snapshot(uint64(time.Now().Unix()))
	data, err := snapshot.Encode(st)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	st, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	if err := f.machine.Restore(st); err != nil {
		return errs.ErrCorruptState
	}
	return nil
}
