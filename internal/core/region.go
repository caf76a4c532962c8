package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Epoch is a region's version stamp. ConfVer bumps on membership changes,
// Version bumps on splits and merges.
type Epoch struct {
	ConfVer uint64 `json:"conf_ver"`
	Version uint64 `json:"version"`
}

// EpochOrdering is the result of comparing two epochs. Epochs are only
// partially ordered: one may be ahead in ConfVer and behind in Version.
type EpochOrdering int

const (
	EpochLess EpochOrdering = iota - 1
	EpochEqual
	EpochGreater
	EpochIncomparable
)

func (o EpochOrdering) String() string {
	switch o {
	case EpochLess:
		return "less"
	case EpochEqual:
		return "equal"
	case EpochGreater:
		return "greater"
	default:
		return "incomparable"
	}
}

// CompareEpoch reports how a relates to b.
func CompareEpoch(a, b Epoch) EpochOrdering {
	switch {
	case a == b:
		return EpochEqual
	case a.ConfVer >= b.ConfVer && a.Version >= b.Version:
		return EpochGreater
	case a.ConfVer <= b.ConfVer && a.Version <= b.Version:
		return EpochLess
	default:
		return EpochIncomparable
	}
}

// Covers reports whether e is equal to or newer than o in both components.
func (e Epoch) Covers(o Epoch) bool {
	ord := CompareEpoch(e, o)
	return ord == EpochEqual || ord == EpochGreater
}

func (e Epoch) String() string {
	return fmt.Sprintf("conf_ver:%d version:%d", e.ConfVer, e.Version)
}

// Region is a contiguous key range replicated as one unit.
// An empty EndKey means the range is unbounded above.
type Region struct {
	ID       uint64 `json:"id"`
	StartKey []byte `json:"start_key,omitempty"`
	EndKey   []byte `json:"end_key,omitempty"`
	Epoch    Epoch  `json:"epoch"`
}

// SameRange reports whether r and o cover exactly the same keys.
func (r Region) SameRange(o Region) bool {
	return bytes.Equal(r.StartKey, o.StartKey) && bytes.Equal(r.EndKey, o.EndKey)
}

// Clone returns a deep copy of r.
func (r Region) Clone() Region {
	return Region{
		ID:       r.ID,
		StartKey: bytes.Clone(r.StartKey),
		EndKey:   bytes.Clone(r.EndKey),
		Epoch:    r.Epoch,
	}
}

// Overlaps reports whether [start, end) intersects r's range.
func (r Region) Overlaps(start, end []byte) bool {
	return RangesOverlap(r.StartKey, r.EndKey, start, end)
}

func (r Region) String() string {
	return fmt.Sprintf("region %d [%s, %s) %s", r.ID, redactKey(r.StartKey), redactKey(r.EndKey), r.Epoch)
}

// LogValue renders r as a structured slog group.
func (r Region) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", r.ID),
		slog.Uint64("conf_ver", r.Epoch.ConfVer),
		slog.Uint64("version", r.Epoch.Version),
		slog.String("start_key", redactKey(r.StartKey)),
		slog.String("end_key", redactKey(r.EndKey)),
	)
}

// RangesOverlap reports whether [s1, e1) and [s2, e2) intersect.
// An empty end key is treated as +inf.
func RangesOverlap(s1, e1, s2, e2 []byte) bool {
	if len(e1) > 0 && bytes.Compare(e1, s2) <= 0 {
		return false
	}
	if len(e2) > 0 && bytes.Compare(e2, s1) <= 0 {
		return false
	}
	return true
}

func redactKey(k []byte) string {
	if len(k) == 0 {
		return "inf"
	}
	return hex.EncodeToString(k)
}

// PeerRole is the replication role a local peer holds for a region.
type PeerRole string

const (
	RoleLeader   PeerRole = "leader"
	RoleFollower PeerRole = "follower"
	RoleLearner  PeerRole = "learner"
)

// RegionInfo is a snapshot of a region as seen by the local store.
type RegionInfo struct {
	Region Region   `json:"region"`
	Role   PeerRole `json:"role"`
}

// IsLeader reports whether the local peer leads the region.
func (i *RegionInfo) IsLeader() bool {
	return i != nil && i.Role == RoleLeader
}
