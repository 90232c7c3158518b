// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import "code.hybscloud.com/atomix"

// Stats is a point-in-time copy of a side's counters.
type Stats struct {
	Requests   uint64 // requests submitted or served
	Reads      uint64
	Writes     uint64
	Responses  uint64 // responses produced or consumed
	Errors     uint64 // responses with a non-OK status
	Notified   uint64 // doorbell signals sent
	Suppressed uint64 // publishes the peer asked not to be woken for
	Busy       uint64 // submissions refused for backpressure
}

// counters is written and snapshotted under the owning side's mu.
type counters struct {
	requests   atomix.Uint64
	reads      atomix.Uint64
	writes     atomix.Uint64
	responses  atomix.Uint64
	errors     atomix.Uint64
	notified   atomix.Uint64
	suppressed atomix.Uint64
	busy       atomix.Uint64
}

func (c *counters) request(op Op) {
	c.requests.Add(1)
	switch op {
	case OpRead:
		c.reads.Add(1)
	case OpWrite:
		c.writes.Add(1)
	}
}

func (c *counters) response(st Status) {
	c.responses.Add(1)
	if st != StatusOK {
		c.errors.Add(1)
	}
}

func (c *counters) publish(notify bool) {
	if notify {
		c.notified.Add(1)
	} else {
		c.suppressed.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Requests:   c.requests.Load(),
		Reads:      c.reads.Load(),
		Writes:     c.writes.Load(),
		Responses:  c.responses.Load(),
		Errors:     c.errors.Load(),
		Notified:   c.notified.Load(),
		Suppressed: c.suppressed.Load(),
		Busy:       c.busy.Load(),
	}
}
