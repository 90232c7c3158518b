// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/kont"
)

// identityResume is the identity resume function for EffectFrame construction.
func identityResume(v kont.Erased) kont.Erased { return v }

func submitBindUnwind[B any](data, _, _ kont.Erased, current kont.Erased) (kont.Erased, kont.Frame) {
	f := data.(func(*Future) kont.Expr[B])
	result := f(current.(*Future))
	return kont.Erased(result.Value), result.Frame
}

// ExprSubmitBind submits req and passes its Future to f.
// Fuses ExprPerform(Submit{Request: req}) + ExprBind.
func ExprSubmitBind[B any](req Request, f func(*Future) kont.Expr[B]) kont.Expr[B] {
	bf := kont.AcquireUnwindFrame()
	bf.Data1 = f
	bf.Unwind = submitBindUnwind[B]
	ef := kont.AcquireEffectFrame()
	ef.Operation = Submit{Request: req}
	ef.Resume = identityResume
	ef.Next = bf
	return kont.ExprSuspend[B](ef)
}

func awaitBindUnwind[B any](data, _, _ kont.Erased, current kont.Erased) (kont.Erased, kont.Frame) {
	f := data.(func(Completion) kont.Expr[B])
	result := f(current.(Completion))
	return kont.Erased(result.Value), result.Frame
}

// ExprAwaitBind waits for fut and passes its Completion to f.
// Fuses ExprPerform(Await{Future: fut}) + ExprBind.
func ExprAwaitBind[B any](fut *Future, f func(Completion) kont.Expr[B]) kont.Expr[B] {
	bf := kont.AcquireUnwindFrame()
	bf.Data1 = f
	bf.Unwind = awaitBindUnwind[B]
	ef := kont.AcquireEffectFrame()
	ef.Operation = Await{Future: fut}
	ef.Resume = identityResume
	ef.Next = bf
	return kont.ExprSuspend[B](ef)
}

// ExprRoundTrip submits req and returns its Completion.
func ExprRoundTrip(req Request) kont.Expr[Completion] {
	return ExprSubmitBind(req, func(fut *Future) kont.Expr[Completion] {
		return ExprAwaitBind(fut, kont.ExprReturn[Completion])
	})
}
