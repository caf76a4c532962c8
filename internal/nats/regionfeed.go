package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kvstream/logbackup/internal/core"
)

// RegionRegistry is the local view of region placement.
type RegionRegistry interface {
	Upsert(info core.RegionInfo) bool
	SetRole(id uint64, role core.PeerRole) bool
	Remove(id uint64)
	Get(id uint64) (core.RegionInfo, bool)
}

// LockTracker records in-flight transaction locks held in observed regions.
type LockTracker interface {
	TrackLock(regionID uint64, key []byte, startTS core.TimeStamp) bool
	UntrackLock(regionID uint64, key []byte) bool
}

// RegionFeed consumes region events from storage nodes and turns them into
// ops for the operator loop.
type RegionFeed struct {
	nc        *nats.Conn
	submitter core.Submitter
	regions   RegionRegistry
	locks     LockTracker
	timeout   time.Duration
	log       *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewRegionFeed creates a RegionFeed. timeout bounds how long an event
// waits for room in the operator mailbox.
func NewRegionFeed(nc *nats.Conn, submitter core.Submitter, regions RegionRegistry, locks LockTracker, timeout time.Duration) *RegionFeed {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RegionFeed{
		nc:        nc,
		submitter: submitter,
		regions:   regions,
		locks:     locks,
		timeout:   timeout,
		log:       slog.Default().With("component", "region-feed"),
	}
}

// Start subscribes to region events.
func (f *RegionFeed) Start() error {
	subject := RegionEventsAllSubject()
	sub, err := f.nc.Subscribe(subject, f.onMsg)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return nil
}

// Close unsubscribes from region events.
func (f *RegionFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
	return nil
}

func (f *RegionFeed) onMsg(msg *nats.Msg) {
	ev, err := decodeRegionEvent(msg.Data)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err = f.apply(ctx, ev)
		cancel()
	}
	if err != nil {
		f.log.Warn("failed to apply region event", "subject", msg.Subject, "error", err)
	}
	if msg.Reply == "" {
		return
	}
	data, mErr := json.Marshal(eventAck{OK: err == nil, Error: encodeError(err)})
	if mErr != nil {
		f.log.Error("failed to marshal event ack", "error", mErr)
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		f.log.Warn("failed to ack region event", "error", rErr)
	}
}

// apply updates the local region view and forwards ops to the loop.
func (f *RegionFeed) apply(ctx context.Context, ev RegionEvent) error {
	region := ev.Region
	switch ev.Kind {
	case KindStart:
		f.regions.Upsert(core.RegionInfo{Region: region, Role: core.RoleLeader})
		return f.submitter.Request(ctx, core.StartObserve{Region: region})
	case KindStop:
		f.regions.SetRole(region.ID, roleOr(ev.Role, core.RoleFollower))
		return f.submitter.Request(ctx, core.StopObserve{Region: region})
	case KindDestroy:
		f.regions.Remove(region.ID)
		return f.submitter.Request(ctx, core.DestroyObserve{Region: region})
	case KindRefreshResolver:
		role := core.RoleLeader
		if cur, ok := f.regions.Get(region.ID); ok {
			role = cur.Role
		}
		f.regions.Upsert(core.RegionInfo{Region: region, Role: roleOr(ev.Role, role)})
		return f.submitter.Request(ctx, core.RefreshResolver{Region: region})
	case KindHighMemUsage:
		return f.submitter.Request(ctx, core.HighMemUsageWarning{RegionID: region.ID})
	case KindRole:
		if !f.regions.SetRole(region.ID, ev.Role) {
			f.regions.Upsert(core.RegionInfo{Region: region, Role: ev.Role})
		}
		return nil
	case KindTrackLock:
		if !f.locks.TrackLock(region.ID, ev.Key, ev.StartTS) {
			f.log.Debug("lock tracked on an unobserved region", "region", region)
		}
		return nil
	case KindUntrackLock:
		f.locks.UntrackLock(region.ID, ev.Key)
		return nil
	default:
		return core.NewInvalidRequestError(fmt.Sprintf("unknown region event kind %q", ev.Kind))
	}
}

func roleOr(role, fallback core.PeerRole) core.PeerRole {
	if role == "" {
		return fallback
	}
	return role
}
