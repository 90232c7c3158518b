// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// ringDispatcher is implemented by Submit and Await. DispatchRing never
// blocks: a full ring or a response still in flight is iox.ErrWouldBlock.
type ringDispatcher interface {
	DispatchRing(ini *Initiator) (kont.Resumed, error)
}

// blockingRing handles ring operations for one caller goroutine, spinning
// down through iox.Backoff while the initiator is saturated.
type blockingRing[R any] struct {
	ini *Initiator
}

func (h blockingRing[R]) Dispatch(op kont.Operation) (kont.Resumed, bool) {
	rop, ok := op.(ringDispatcher)
	if !ok {
		panic("pvring: unhandled effect in Exec")
	}
	var bo iox.Backoff
	for {
		v, err := rop.DispatchRing(h.ini)
		if err == nil {
			return v, true
		}
		bo.Wait()
	}
}

// Exec drives protocol against ini on the calling goroutine until it
// returns. Each Submit waits for ring room and each Await for its
// response.
func Exec[R any](ini *Initiator, protocol kont.Eff[R]) R {
	return kont.Handle(protocol, blockingRing[R]{ini: ini})
}

// ExecExpr is Exec for protocols built from the Expr helpers.
func ExecExpr[R any](ini *Initiator, protocol kont.Expr[R]) R {
	return kont.HandleExpr(protocol, blockingRing[R]{ini: ini})
}
