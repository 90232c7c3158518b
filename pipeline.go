// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/kont"
)

// Pipeline submits every request before awaiting any, so up to the ring
// capacity of them are in flight together. Completions are returned in
// request order.
func Pipeline(reqs []Request) kont.Eff[[]Completion] {
	return submitAll(reqs, make([]*Future, 0, len(reqs)))
}

func submitAll(reqs []Request, futs []*Future) kont.Eff[[]Completion] {
	if len(reqs) == 0 {
		return awaitAll(futs, make([]Completion, 0, len(futs)))
	}
	return SubmitBind(reqs[0], func(f *Future) kont.Eff[[]Completion] {
		return submitAll(reqs[1:], append(futs, f))
	})
}

func awaitAll(futs []*Future, out []Completion) kont.Eff[[]Completion] {
	if len(futs) == 0 {
		return kont.Pure(out)
	}
	return AwaitBind(futs[0], func(c Completion) kont.Eff[[]Completion] {
		return awaitAll(futs[1:], append(out, c))
	})
}

// ExprPipeline is the Expr-world Pipeline.
func ExprPipeline(reqs []Request) kont.Expr[[]Completion] {
	return exprSubmitAll(reqs, make([]*Future, 0, len(reqs)))
}

func exprSubmitAll(reqs []Request, futs []*Future) kont.Expr[[]Completion] {
	if len(reqs) == 0 {
		return exprAwaitAll(futs, make([]Completion, 0, len(futs)))
	}
	return ExprSubmitBind(reqs[0], func(f *Future) kont.Expr[[]Completion] {
		return exprSubmitAll(reqs[1:], append(futs, f))
	})
}

func exprAwaitAll(futs []*Future, out []Completion) kont.Expr[[]Completion] {
	if len(futs) == 0 {
		return kont.ExprReturn(out)
	}
	return ExprAwaitBind(futs[0], func(c Completion) kont.Expr[[]Completion] {
		return exprAwaitAll(futs[1:], append(out, c))
	})
}
