package ttl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concorddb/concord/internal/consensus"
	"github.com/concorddb/concord/internal/wire"
)

type countingSubmitter struct {
	count int32
}

func (s *countingSubmitter) Submit(ctx context.Context, cmd wire.Command) (interface{}, error) {
	atomic.AddInt32(&s.count, 1)
	return nil, nil
}

type fakeProvider struct {
	leader  bool
	cbs     []func(consensus.LeaderChange)
}

func (p *fakeProvider) SubmitCommand(ctx context.Context, cmd wire.Command) (interface{}, error) {
	return nil, nil
}
func (p *fakeProvider) LocalQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}
func (p *fakeProvider) LeaderQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}
func (p *fakeProvider) LinearizableQuery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}
func (p *fakeProvider) IsLeader() bool { return p.leader }
func (p *fakeProvider) TakeSnapshot() error { return nil }
func (p *fakeProvider) OnLeaderChange(cb func(consensus.LeaderChange)) func() {
	p.cbs = append(p.cbs, cb)
	return func() {}
}
func (p *fakeProvider) Members() []consensus.Member { return nil }
func (p *fakeProvider) Shutdown() error              { return nil }
func (p *fakeProvider) fireLeaderChange(isLeader bool) {
	for _, cb := range p.cbs {
		cb(consensus.LeaderChange{IsLeader: isLeader})
	}
}

var _ consensus.Provider = (*fakeProvider)(nil)

func TestReaperTicksOnlyWhileLeader(t *testing.T) {
	sub := &countingSubmitter{}
	prov := &fakeProvider{leader: false}
	r := New(Config{Dispatcher: sub, Provider: prov, Interval: 10 * time.Millisecond})
	r.Start()
	defer r.Stop()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&sub.count), "must not tick while not leader")

	prov.fireLeaderChange(true)
	time.Sleep(35 * time.Millisecond)
	require.Greater(t, atomic.LoadInt32(&sub.count), int32(0), "must tick once leadership is acquired")

	prov.fireLeaderChange(false)
	countAfterStop := atomic.LoadInt32(&sub.count)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, countAfterStop, atomic.LoadInt32(&sub.count), "must stop ticking once leadership is lost")
}
