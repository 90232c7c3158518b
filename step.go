// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/kont"
)

// Step runs a request protocol up to its first Submit or Await.
// A nil suspension means the protocol finished without touching the ring.
func Step[R any](protocol kont.Expr[R]) (R, *kont.Suspension[R]) {
	return kont.StepExpr(protocol)
}

// Advance tries the pending Submit or Await against ini once.
//
// If the ring has no room or the response is not in yet, Advance reports
// iox.ErrWouldBlock and hands susp back untouched, so an event loop can
// park it until the initiator's next completion batch. Otherwise susp is
// consumed and the protocol runs on to its next ring operation.
func Advance[R any](ini *Initiator, susp *kont.Suspension[R]) (R, *kont.Suspension[R], error) {
	op, ok := susp.Op().(ringDispatcher)
	if !ok {
		panic("pvring: unhandled effect in Advance")
	}
	v, err := op.DispatchRing(ini)
	if err != nil {
		var zero R
		return zero, susp, err
	}
	result, next := susp.Resume(v)
	return result, next, nil
}
