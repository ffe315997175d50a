/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"errors"
)

// Rejection reasons recorded in delivery receipts and dead letter sidecars.
const (
	ReasonTTLExpired      = "ttl_expired"
	ReasonHopLimit        = "hop_limit"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonCycleDetected   = "cycle_detected"
	ReasonBackpressure    = "backpressure"
	ReasonCircuitOpen     = "circuit_open"
	ReasonRateLimited     = "rate_limited"
	ReasonAccessDenied    = "access_denied"
	ReasonHandlerError    = "handler_error"
)

// RejectError is a classified refusal to accept or deliver an envelope.
// Reason is one of the Reason* constants.
type RejectError struct {
	Reason   string
	Endpoint string
	Err      error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return "delivery rejected: " + e.Reason
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the condition may clear without operator
// intervention. Flow control rejections are retriable, budget and access
// rejections are not.
func (e *RejectError) Temporary() bool {
	switch e.Reason {
	case ReasonBackpressure, ReasonCircuitOpen, ReasonRateLimited:
		return true
	}
	return false
}

func (e *RejectError) Fields() map[string]any {
	f := map[string]any{
		"reason":    e.Reason,
		"temporary": e.Temporary(),
	}
	if e.Endpoint != "" {
		f["endpoint"] = e.Endpoint
	}
	return f
}

// Reject constructs a RejectError with the given reason.
func Reject(reason string) *RejectError {
	return &RejectError{Reason: reason}
}

// RejectEndpoint constructs a RejectError scoped to a single endpoint.
func RejectEndpoint(reason, endpoint string) *RejectError {
	return &RejectError{Reason: reason, Endpoint: endpoint}
}

// ReasonOf extracts the rejection reason from anywhere in the wrap chain of
// err. The second return value is false when err carries no reason.
func ReasonOf(err error) (string, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
