// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/kont"
)

// SubmitBind submits req and passes its Future to f.
// Fuses Perform(Submit{Request: req}) + Bind.
func SubmitBind[B any](req Request, f func(*Future) kont.Eff[B]) kont.Eff[B] {
	return kont.Bind(kont.Perform(Submit{Request: req}), f)
}

// AwaitBind waits for fut and passes its Completion to f.
// Fuses Perform(Await{Future: fut}) + Bind.
func AwaitBind[B any](fut *Future, f func(Completion) kont.Eff[B]) kont.Eff[B] {
	return kont.Bind(kont.Perform(Await{Future: fut}), f)
}

// RoundTrip submits req and returns its Completion.
func RoundTrip(req Request) kont.Eff[Completion] {
	return SubmitBind(req, func(fut *Future) kont.Eff[Completion] {
		return kont.Perform(Await{Future: fut})
	})
}
