package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes.
const (
	ErrCodeEpochNotMatch   = "epoch_not_match"
	ErrCodeNotLeader       = "not_leader"
	ErrCodeRegionNotFound  = "region_not_found"
	ErrCodeObserveCanceled = "observe_canceled"
	ErrCodeRaftRequest     = "raft_request"
	ErrCodeRetryExhausted  = "retry_exhausted"
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeInternalError   = "internal_error"
)

// staleObserveIDMessage marks a raft request rejected because the observer
// it was issued for has been replaced.
const staleObserveIDMessage = "stale observe id"

// Error is a classified failure. Whether it may be retried is decided by
// ShouldRetry.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	RegionID uint64 `json:"region_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches errors with the same code, so errors.Is(err, ErrRetryExhausted)
// works across wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// ErrRetryExhausted is returned once an attempt has used up its retry budget.
var ErrRetryExhausted = &Error{Code: ErrCodeRetryExhausted}

// ErrObserveCanceled matches any observe-canceled error via errors.Is.
var ErrObserveCanceled = &Error{Code: ErrCodeObserveCanceled}

func NewEpochNotMatchError(regionID uint64, message string) *Error {
	return &Error{Code: ErrCodeEpochNotMatch, Message: message, RegionID: regionID}
}

func NewNotLeaderError(regionID uint64) *Error {
	return &Error{
		Code:     ErrCodeNotLeader,
		Message:  fmt.Sprintf("region %d: peer is not leader", regionID),
		RegionID: regionID,
	}
}

func NewRegionNotFoundError(regionID uint64) *Error {
	return &Error{
		Code:     ErrCodeRegionNotFound,
		Message:  fmt.Sprintf("region %d not found", regionID),
		RegionID: regionID,
	}
}

func NewObserveCanceledError(regionID uint64) *Error {
	return &Error{
		Code:     ErrCodeObserveCanceled,
		Message:  fmt.Sprintf("observe of region %d canceled", regionID),
		RegionID: regionID,
	}
}

// NewRaftRequestError wraps a rejection from the replication layer. Only
// rejections citing a stale observe id are terminal.
func NewRaftRequestError(regionID uint64, message string) *Error {
	return &Error{Code: ErrCodeRaftRequest, Message: message, RegionID: regionID}
}

func NewInvalidRequestError(message string) *Error {
	return &Error{Code: ErrCodeInvalidRequest, Message: message}
}

func NewNotFoundError(resource string, id any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%v' not found.", resource, id)}
}

func NewInternalError(message string) *Error {
	return &Error{Code: ErrCodeInternalError, Message: message}
}

// ErrorFromCode rebuilds a classified error received over the wire.
func ErrorFromCode(code, message string, regionID uint64) *Error {
	switch code {
	case ErrCodeEpochNotMatch:
		return NewEpochNotMatchError(regionID, message)
	case ErrCodeNotLeader, ErrCodeRegionNotFound, ErrCodeObserveCanceled, ErrCodeRetryExhausted:
		return &Error{Code: code, Message: message, RegionID: regionID}
	case ErrCodeRaftRequest:
		return NewRaftRequestError(regionID, message)
	default:
		e := NewInternalError(message)
		e.RegionID = regionID
		return e
	}
}

// ShouldRetry reports whether an operation that failed with err may be
// retried. Topology drift, a superseded attempt and a malformed or unknown
// target are terminal; everything else is assumed transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Code {
	case ErrCodeEpochNotMatch, ErrCodeNotLeader, ErrCodeRegionNotFound,
		ErrCodeObserveCanceled, ErrCodeRetryExhausted,
		ErrCodeInvalidRequest, ErrCodeNotFound:
		return false
	case ErrCodeRaftRequest:
		return !strings.Contains(e.Message, staleObserveIDMessage)
	default:
		return true
	}
}
