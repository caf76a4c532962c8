package nats

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kvstream/logbackup/internal/core"
)

// Region event kinds carried on logbackup.region.{kind}.
const (
	KindStart           = string(core.OpStart)
	KindStop            = string(core.OpStop)
	KindDestroy         = string(core.OpDestroy)
	KindRefreshResolver = string(core.OpRefreshResolver)
	KindHighMemUsage    = string(core.OpHighMemUsageWarning)
	KindRole            = "role"
	KindTrackLock       = "track_lock"
	KindUntrackLock     = "untrack_lock"
)

// RegionEvent is a region lifecycle or resolver event from a storage node.
type RegionEvent struct {
	Kind    string         `json:"kind"`
	Region  core.Region    `json:"region"`
	Role    core.PeerRole  `json:"role,omitempty"`
	Key     []byte         `json:"key,omitempty"`
	StartTS core.TimeStamp `json:"start_ts,omitempty"`
}

// eventAck answers region events published with a reply subject.
type eventAck struct {
	OK    bool       `json:"ok"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// scanRequest asks a storage node to run an initial scan.
type scanRequest struct {
	Region  core.Region    `json:"region"`
	StartTS core.TimeStamp `json:"start_ts"`
	Handle  string         `json:"handle"`
}

type scanReply struct {
	Stats core.ScanStats `json:"stats"`
	Error *wireError     `json:"error,omitempty"`
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	var e *core.Error
	if errors.As(err, &e) {
		return &wireError{Code: e.Code, Message: e.Message}
	}
	return &wireError{Code: core.ErrCodeInternalError, Message: err.Error()}
}

func decodeError(w *wireError, regionID uint64) error {
	if w == nil {
		return nil
	}
	return core.ErrorFromCode(w.Code, w.Message, regionID)
}

func decodeRegionEvent(data []byte) (RegionEvent, error) {
	var ev RegionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RegionEvent{}, fmt.Errorf("unmarshal region event: %w", err)
	}
	if ev.Region.ID == 0 {
		return RegionEvent{}, core.NewInvalidRequestError("region event without region id")
	}
	return ev, nil
}

func decodeScanReply(data []byte, regionID uint64) (core.ScanStats, error) {
	var reply scanReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return core.ScanStats{}, fmt.Errorf("unmarshal scan reply: %w", err)
	}
	if err := decodeError(reply.Error, regionID); err != nil {
		return core.ScanStats{}, err
	}
	return reply.Stats, nil
}
