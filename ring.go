// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"iter"
	"sync/atomic"
	"unsafe"
)

// sharedRing addresses the header and slot arrays of one ring page.
// It keeps no Go pointers into the page beyond the backing slice.
type sharedRing struct {
	mem     []byte
	size    uint32
	mask    uint32
	rspBase int
}

func newSharedRing(mem []byte, capacity uint32) (sharedRing, error) {
	if err := validCapacity(capacity, len(mem)); err != nil {
		return sharedRing{}, err
	}
	return sharedRing{
		mem:     mem,
		size:    capacity,
		mask:    capacity - 1,
		rspBase: HeaderSize + int(capacity)*RequestSlotSize,
	}, nil
}

// word returns the header word at off. Header words are only touched
// through atomic loads and stores.
func (s *sharedRing) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *sharedRing) load(off int) uint32 { return atomic.LoadUint32(s.word(off)) }

func (s *sharedRing) store(off int, v uint32) { atomic.StoreUint32(s.word(off), v) }

func (s *sharedRing) reqSlot(idx uint32) []byte {
	o := HeaderSize + int(idx&s.mask)*RequestSlotSize
	return s.mem[o : o+RequestSlotSize]
}

func (s *sharedRing) rspSlot(idx uint32) []byte {
	o := s.rspBase + int(idx&s.mask)*ResponseSlotSize
	return s.mem[o : o+ResponseSlotSize]
}

// pushAndCheck publishes prod at prodOff and reports whether the peer
// asked to be woken for any index in (old, prod].
// Slot writes happen before the atomic store; the atomic load of the
// event after it acts as the full fence the hold-off check needs.
func (s *sharedRing) pushAndCheck(prodOff, eventOff int, prod uint32) bool {
	old := s.load(prodOff)
	s.store(prodOff, prod)
	event := s.load(eventOff)
	return prod-event < prod-old
}

// FrontRing is the initiator's view: it produces requests and consumes
// responses. Not safe for concurrent use; callers serialise access.
type FrontRing struct {
	sring      sharedRing
	reqProdPvt uint32
	rspCons    uint32
}

// NewFrontRing initialises a fresh shared ring in page and returns the
// producer-side view of it.
func NewFrontRing(page []byte, capacity uint32) (*FrontRing, error) {
	s, err := newSharedRing(page, capacity)
	if err != nil {
		return nil, err
	}
	clear(page[:RingSize(capacity)])
	s.store(offReqEvent, 1)
	s.store(offRspEvent, 1)
	s.store(offReqProd, 0)
	s.store(offRspProd, 0)
	return &FrontRing{sring: s}, nil
}

// Capacity returns the slot count.
func (r *FrontRing) Capacity() uint32 { return r.sring.size }

// Outstanding returns the number of requests produced whose responses
// have not been consumed yet.
func (r *FrontRing) Outstanding() uint32 { return r.reqProdPvt - r.rspCons }

// Free returns the number of request slots that may be enqueued.
func (r *FrontRing) Free() uint32 { return r.sring.size - r.Outstanding() }

// EnqueueRequest writes rec into the next private request slot.
// The slot is invisible to the peer until Publish.
func (r *FrontRing) EnqueueRequest(rec RequestRecord) error {
	if r.Outstanding() >= r.sring.size {
		return ErrRingFull
	}
	rec.encode(r.sring.reqSlot(r.reqProdPvt))
	r.reqProdPvt++
	return nil
}

// Publish makes every enqueued request visible to the peer and reports
// whether the peer must be signalled.
func (r *FrontRing) Publish() (notify bool) {
	return r.sring.pushAndCheck(offReqProd, offReqEvent, r.reqProdPvt)
}

// Responses returns the responses published since the last pass.
// The sequence reads the peer producer once, advances the consumer as it
// yields, and ends early with ErrRingOverflow if the peer produced more
// responses than there are outstanding requests.
func (r *FrontRing) Responses() iter.Seq2[ResponseRecord, error] {
	return func(yield func(ResponseRecord, error) bool) {
		rp := r.sring.load(offRspProd)
		if rp-r.rspCons > r.reqProdPvt-r.rspCons {
			yield(ResponseRecord{}, ErrRingOverflow)
			return
		}
		for r.rspCons != rp {
			var rec ResponseRecord
			rec.decode(r.sring.rspSlot(r.rspCons))
			r.rspCons++
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// HasUnconsumedResponses reports whether published responses are waiting.
func (r *FrontRing) HasUnconsumedResponses() bool {
	return r.sring.load(offRspProd) != r.rspCons
}

// FinalCheckForResponses arms the response event one past the consumer
// and re-checks, so a response published concurrently is never missed.
func (r *FrontRing) FinalCheckForResponses() bool {
	if r.HasUnconsumedResponses() {
		return true
	}
	r.sring.store(offRspEvent, r.rspCons+1)
	return r.HasUnconsumedResponses()
}

// BackRing is the responder's view: it consumes requests and produces
// responses. Not safe for concurrent use; callers serialise access.
type BackRing struct {
	sring      sharedRing
	rspProdPvt uint32
	reqCons    uint32
}

// AttachBackRing attaches to a ring the peer initialised in page.
// Cursors start from the values currently published in the header.
func AttachBackRing(page []byte, capacity uint32) (*BackRing, error) {
	s, err := newSharedRing(page, capacity)
	if err != nil {
		return nil, err
	}
	rp := s.load(offRspProd)
	return &BackRing{sring: s, rspProdPvt: rp, reqCons: rp}, nil
}

// Capacity returns the slot count.
func (r *BackRing) Capacity() uint32 { return r.sring.size }

// UnconsumedRequests returns how many published requests may be taken,
// bounded by the response slots still free.
func (r *BackRing) UnconsumedRequests() uint32 {
	req := r.sring.load(offReqProd) - r.reqCons
	rsp := r.sring.size - (r.reqCons - r.rspProdPvt)
	return min(req, rsp)
}

// HasUnconsumedRequests reports whether UnconsumedRequests is non-zero.
func (r *BackRing) HasUnconsumedRequests() bool { return r.UnconsumedRequests() != 0 }

// Requests returns the requests published since the last pass.
// The sequence reads the peer producer once and ends early with
// ErrRingOverflow if the peer ran more than capacity ahead. It also
// stops, without error, once capacity requests await a response.
func (r *BackRing) Requests() iter.Seq2[RequestRecord, error] {
	return func(yield func(RequestRecord, error) bool) {
		rp := r.sring.load(offReqProd)
		if rp-r.reqCons > r.sring.size {
			yield(RequestRecord{}, ErrRingOverflow)
			return
		}
		for r.reqCons != rp {
			if r.reqCons-r.rspProdPvt >= r.sring.size {
				return
			}
			var rec RequestRecord
			rec.decode(r.sring.reqSlot(r.reqCons))
			r.reqCons++
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// EnqueueResponse writes rec into the next private response slot.
func (r *BackRing) EnqueueResponse(rec ResponseRecord) error {
	if r.rspProdPvt == r.reqCons {
		// every consumed request already has its response
		return ErrRingFull
	}
	rec.encode(r.sring.rspSlot(r.rspProdPvt))
	r.rspProdPvt++
	return nil
}

// Publish makes every enqueued response visible to the peer and reports
// whether the peer must be signalled.
func (r *BackRing) Publish() (notify bool) {
	return r.sring.pushAndCheck(offRspProd, offRspEvent, r.rspProdPvt)
}

// FinalCheckForRequests arms the request event one past the consumer and
// re-checks, so a request published concurrently is never missed.
func (r *BackRing) FinalCheckForRequests() bool {
	if r.HasUnconsumedRequests() {
		return true
	}
	r.sring.store(offReqEvent, r.reqCons+1)
	return r.HasUnconsumedRequests()
}
