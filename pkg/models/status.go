package models

import (
	"context"
	"errors"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// ItemStatus represents the processing status of a batch item
type ItemStatus string

const (
	ItemStatusUnset       ItemStatus = ""            // Zero value = unset/unknown
	ItemStatusPending     ItemStatus = "pending"     // Queued but not started
	ItemStatusDownloading ItemStatus = "downloading" // A worker is fetching it
	ItemStatusSuccess     ItemStatus = "success"     // Image saved
	ItemStatusFailed      ItemStatus = "failed"      // All retries exhausted
	ItemStatusSkipped     ItemStatus = "skipped"     // URL already downloaded
	ItemStatusNotFound    ItemStatus = "not_found"   // Not in database
	ItemStatusDBError     ItemStatus = "db_error"    // Database error occurred
)

// String implements fmt.Stringer for logging
func (s ItemStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusPending, ItemStatusDownloading, ItemStatusSuccess, ItemStatusFailed, ItemStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further work will happen for the item.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusSuccess || s == ItemStatusFailed || s == ItemStatusSkipped
}

// Strategy names one retrieval strategy of the orchestrator.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyStealth Strategy = "stealth"
	StrategyBrowser Strategy = "browser"
	StrategyHandoff Strategy = "handoff"
)

func (s Strategy) String() string { return string(s) }

// ErrorKind classifies a strategy failure.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindNetwork       ErrorKind = "network"
	KindHTTPStatus    ErrorKind = "http_status"
	KindChallenge     ErrorKind = "challenge"
	KindDecode        ErrorKind = "decode"
	KindBrowserLaunch ErrorKind = "browser_launch"
	KindIntegrity     ErrorKind = "integrity"
	KindNoCandidate   ErrorKind = "no_candidate"
	KindCancelled     ErrorKind = "cancelled"
)

func (k ErrorKind) String() string {
	if k == "" {
		return "none"
	}
	return string(k)
}

// KindOf derives the ErrorKind from an error's sentinel chain. Anything that is not
// recognised is treated as a network/transport failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, utils.ErrStopped):
		return KindCancelled
	case errors.Is(err, utils.ErrBrowserLaunch):
		return KindBrowserLaunch
	case errors.Is(err, utils.ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, utils.ErrDecode):
		return KindDecode
	case errors.Is(err, utils.ErrChallenge):
		return KindChallenge
	case errors.Is(err, utils.ErrClientHTTPError), errors.Is(err, utils.ErrServerHTTPError), errors.Is(err, utils.ErrOtherHTTPError):
		return KindHTTPStatus
	case errors.Is(err, utils.ErrNoCandidate), errors.Is(err, utils.ErrNotImage):
		return KindNoCandidate
	}
	return KindNetwork
}
