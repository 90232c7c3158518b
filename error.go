// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted reports that no request id, grant handle or
	// payload buffer is free. Recoverable: retry after a completion.
	ErrResourceExhausted = errors.New("pvring: resource exhausted")

	// ErrBusy reports that every multiplexer id is in flight.
	ErrBusy = fmt.Errorf("%w: no free request id", ErrResourceExhausted)

	// ErrGrantsExhausted reports that the peer-imposed limit of
	// outstanding grant handles has been reached.
	ErrGrantsExhausted = fmt.Errorf("%w: grant limit reached", ErrResourceExhausted)

	// ErrRingFull reports that the producer would run more than
	// capacity slots ahead of the consumer. Transient on submit.
	ErrRingFull = errors.New("pvring: ring full")

	// ErrRingOverflow reports that the peer published a producer cursor
	// that violates the ring invariant. Fatal for the channel.
	ErrRingOverflow = errors.New("pvring: ring overflow")

	// ErrInvalidHandle reports an unknown, revoked or rejected grant.
	ErrInvalidHandle = errors.New("pvring: invalid grant handle")

	// ErrUnknownID reports a response whose id matches no pending
	// request. Fatal for the channel.
	ErrUnknownID = errors.New("pvring: response for unknown request id")

	// ErrPayloadTooLarge reports a payload larger than one buffer page.
	ErrPayloadTooLarge = errors.New("pvring: payload too large")

	// ErrInvalidLength reports a negative read length.
	ErrInvalidLength = errors.New("pvring: invalid length")

	// ErrNotConnected reports an operation that needs StateConnected.
	ErrNotConnected = errors.New("pvring: channel not connected")

	// ErrChannelClosed completes requests abandoned by a teardown.
	ErrChannelClosed = errors.New("pvring: channel closed")
)

// ConnectError reports a control-plane parameter that was missing or
// malformed during Connect. The channel never reached StateConnected.
type ConnectError struct {
	Key string
	Err error
}

func (e *ConnectError) Error() string {
	return "pvring: connect: " + e.Key + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ResponseError is the error form of a non-OK response status.
type ResponseError struct {
	Status Status
}

func (e *ResponseError) Error() string {
	return "pvring: request failed: " + e.Status.String()
}
