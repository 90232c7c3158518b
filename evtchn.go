// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

// Port is a local event channel port number.
type Port uint32

// EventChannel is the cross-domain doorbell. Notify on one end invokes
// the handler bound to the other end, possibly on another goroutine.
type EventChannel interface {
	// AllocUnbound allocates a port that peer may bind to.
	AllocUnbound(peer DomID) (Port, error)
	// BindInterdomain binds a local port to remotePort owned by peer.
	BindInterdomain(peer DomID, remotePort Port) (Port, error)
	// Bind installs the upcall for port. The upcall must not block.
	Bind(port Port, upcall func()) error
	// Notify signals the remote end of port.
	Notify(port Port) error
	// Close unbinds and releases port.
	Close(port Port) error
}

// doorbell turns event channel upcalls into bottom-half passes.
// An upcall only kicks; repeated kicks before the worker runs coalesce.
type doorbell struct {
	kick chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDoorbell() *doorbell {
	return &doorbell{
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// schedule queues one bottom-half pass. Never blocks.
func (d *doorbell) schedule() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// run calls pass once per kick until stop.
func (d *doorbell) run(pass func()) {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case <-d.kick:
			pass()
		}
	}
}

// halt asks run to return without waiting for it. Callers outside pass
// then wait on done.
func (d *doorbell) halt() {
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
}
