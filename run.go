// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// Run evaluates several Cont-world request protocols on one initiator,
// interleaving them on the calling goroutine. Each protocol stands for
// one logical caller sharing the ring. Results are in argument order.
func Run[R any](ini *Initiator, protocols ...kont.Eff[R]) []R {
	exprs := make([]kont.Expr[R], len(protocols))
	for k, p := range protocols {
		exprs[k] = kont.Reify(p)
	}
	return RunExpr(ini, exprs...)
}

// RunExpr is Run for Expr-world protocols. When no protocol can make
// progress it backs off with iox.Backoff until a completion arrives.
// Does not spawn goroutines.
func RunExpr[R any](ini *Initiator, protocols ...kont.Expr[R]) []R {
	results := make([]R, len(protocols))
	susps := make([]*kont.Suspension[R], len(protocols))
	live := 0
	for k, p := range protocols {
		results[k], susps[k] = Step(p)
		if susps[k] != nil {
			live++
		}
	}

	var bo iox.Backoff
	for live > 0 {
		progress := false
		for k, susp := range susps {
			if susp == nil {
				continue
			}
			result, next, err := Advance(ini, susp)
			if err != nil {
				continue
			}
			results[k], susps[k] = result, next
			if next == nil {
				live--
			}
			progress = true
		}
		if progress {
			bo.Reset()
		} else {
			bo.Wait()
		}
	}
	return results
}
