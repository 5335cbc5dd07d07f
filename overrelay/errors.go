// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRegistrationRequired     = errors.New("registration required")
	ErrSyncDisabled             = errors.New("sync disabled")
	ErrServiceBusy              = errors.New("service busy")
	ErrNotAuthenticated         = errors.New("not authenticated")
	ErrManualResolutionRequired = errors.New("manual conflict resolution required")
	ErrServiceClosed            = errors.New("relay service has been closed")
)

// TransportError is a failed exchange with a peer. Err carries the sentinel matching StatusCode
// when there is one, so callers match with errors.Is.
type TransportError struct {
	NodeID     string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Operation, e.NodeID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %v", e.Operation, e.NodeID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// statusSentinel maps relay status codes to their sentinel error
func statusSentinel(code int) error {
	switch code {
	case StatusRegistrationRequired:
		return ErrRegistrationRequired
	case StatusSyncDisabled:
		return ErrSyncDisabled
	case StatusServiceBusy, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return ErrServiceBusy
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrNotAuthenticated
	default:
		return nil
	}
}

// sentinelStatus maps a server-side error to the status code sent to the peer
func sentinelStatus(err error) int {
	switch {
	case errors.Is(err, ErrRegistrationRequired):
		return StatusRegistrationRequired
	case errors.Is(err, ErrSyncDisabled):
		return StatusSyncDisabled
	case errors.Is(err, ErrServiceBusy):
		return StatusServiceBusy
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
