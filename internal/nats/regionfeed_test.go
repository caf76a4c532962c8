package nats

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvstream/logbackup/internal/core"
)

type recordingSubmitter struct {
	mu  sync.Mutex
	ops []core.ObserveOp
}

func (s *recordingSubmitter) Request(_ context.Context, op core.ObserveOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *recordingSubmitter) kinds() []core.OpKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]core.OpKind, 0, len(s.ops))
	for _, op := range s.ops {
		kinds = append(kinds, op.Kind())
	}
	return kinds
}

type fakeRegions struct {
	mu      sync.Mutex
	regions map[uint64]core.RegionInfo
}

func newFakeRegions() *fakeRegions {
	return &fakeRegions{regions: make(map[uint64]core.RegionInfo)}
}

func (f *fakeRegions) Upsert(info core.RegionInfo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[info.Region.ID] = info
	return true
}

func (f *fakeRegions) SetRole(id uint64, role core.PeerRole) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.regions[id]
	if !ok {
		return false
	}
	info.Role = role
	f.regions[id] = info
	return true
}

func (f *fakeRegions) Remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, id)
}

func (f *fakeRegions) Get(id uint64) (core.RegionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.regions[id]
	return info, ok
}

type fakeLocks struct {
	mu     sync.Mutex
	locked map[string]core.TimeStamp
}

func (f *fakeLocks) TrackLock(_ uint64, key []byte, ts core.TimeStamp) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked == nil {
		f.locked = make(map[string]core.TimeStamp)
	}
	f.locked[string(key)] = ts
	return true
}

func (f *fakeLocks) UntrackLock(_ uint64, key []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.locked[string(key)]
	delete(f.locked, string(key))
	return ok
}

func TestRegionFeedApply(t *testing.T) {
	sub := &recordingSubmitter{}
	regions := newFakeRegions()
	locks := &fakeLocks{}
	feed := NewRegionFeed(nil, sub, regions, locks, 0)
	ctx := context.Background()
	region := core.Region{ID: 1, Epoch: core.Epoch{ConfVer: 1, Version: 1}}

	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindStart, Region: region}))
	info, ok := regions.Get(1)
	require.True(t, ok)
	assert.True(t, info.IsLeader())

	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindRole, Region: region, Role: core.RoleFollower}))
	info, _ = regions.Get(1)
	assert.Equal(t, core.RoleFollower, info.Role)

	split := core.Region{ID: 1, EndKey: []byte("m"), Epoch: core.Epoch{ConfVer: 1, Version: 2}}
	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindRefreshResolver, Region: split}))
	info, _ = regions.Get(1)
	assert.Equal(t, core.RoleFollower, info.Role, "refresh keeps the known role")
	assert.Equal(t, uint64(2), info.Region.Epoch.Version)

	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindTrackLock, Region: region, Key: []byte("k"), StartTS: 7}))
	assert.Equal(t, core.TimeStamp(7), locks.locked["k"])
	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindUntrackLock, Region: region, Key: []byte("k")}))
	assert.Empty(t, locks.locked)

	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindStop, Region: region}))
	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindDestroy, Region: region}))
	_, ok = regions.Get(1)
	assert.False(t, ok)

	err := feed.apply(ctx, RegionEvent{Kind: "bogus", Region: region})
	assert.Error(t, err)

	assert.Equal(t, []core.OpKind{core.OpStart, core.OpRefreshResolver, core.OpStop, core.OpDestroy}, sub.kinds())
}

func TestRegionFeedApply_HighMemUsage(t *testing.T) {
	sub := &recordingSubmitter{}
	regions := newFakeRegions()
	feed := NewRegionFeed(nil, sub, regions, &fakeLocks{}, 0)
	ctx := context.Background()
	region := core.Region{ID: 4, Epoch: core.Epoch{ConfVer: 1, Version: 1}}

	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindStart, Region: region}))
	require.NoError(t, feed.apply(ctx, RegionEvent{Kind: KindHighMemUsage, Region: region}))

	info, ok := regions.Get(4)
	require.True(t, ok, "shedding a region keeps its leadership")
	assert.True(t, info.IsLeader())
	require.Len(t, sub.ops, 2)
	assert.Equal(t, core.HighMemUsageWarning{RegionID: 4}, sub.ops[1])
}
