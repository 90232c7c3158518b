// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pvring provides a paravirtual request/response transport: a
// ring of fixed-size slots in one shared page, driven by free-running
// producer/consumer cursors, with payloads exposed to the peer through
// grant handles and wakeups delivered through an event channel.
//
// # Architecture
//
//   - Ring: [FrontRing] produces requests and consumes responses, [BackRing] the reverse. The byte layout in the page is the wire format.
//   - Buffers: [GrantPool] shares, resolves and revokes page grants. Write payloads are granted read-only.
//   - Correlation: [Multiplexer] maps ring ids to caller tags. At most ring capacity requests are in flight.
//   - Roles: [Initiator] (frontend) and [Responder] (backend) negotiate through a [Store] and run a bottom half per doorbell kick.
//   - Collaborators: [GrantTable], [EventChannel] and [Store] are interfaces. [Loopback] implements all three in-process.
//
// # Notification hold-off
//
// A consumer arms the shared event word one past the last cursor it
// processed. A producer signals only when its publish moves past that
// event, and a consumer re-checks after arming, so wakeups are neither
// lost nor sent for work the peer is already draining.
//
// # Effects
//
//   - Operations: [Submit] and [Await], dispatched non-blocking on an [*Initiator] (returning [code.hybscloud.com/iox.ErrWouldBlock] on backpressure).
//   - Cont-world: [SubmitBind], [AwaitBind], [RoundTrip], [Pipeline].
//   - Expr-world: [ExprSubmitBind], [ExprAwaitBind], [ExprRoundTrip], [ExprPipeline].
//   - Stepping: [Step] and [Advance] evaluate one effect at a time for proactor loops. [Exec], [ExecExpr] and [Run] wait with adaptive backoff.
//
// # Limitations
//
// A published request cannot be withdrawn. Cancelling the context of
// [Future.Wait] abandons the wait, not the request.
//
// # Example
//
//	p, _ := pvring.NewLoopbackPair(ctx, handler, pvring.PairOptions{})
//	defer p.Close()
//	c, err := p.Initiator.Read(ctx, 1, 5)
package pvring
