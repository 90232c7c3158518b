// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// Submit is the effect operation for submitting a request.
// Perform(Submit{Request: r}) resumes with the request's Future.
type Submit struct {
	kont.Phantom[*Future]
	Request Request
}

// DispatchRing handles Submit on an initiator.
// Non-blocking: returns iox.ErrWouldBlock while the channel is saturated.
// Any other submission error resumes with an already failed Future.
func (s Submit) DispatchRing(ini *Initiator) (kont.Resumed, error) {
	f, err := ini.TrySubmit(s.Request)
	if err == nil {
		return f, nil
	}
	if isBackpressure(err) {
		return nil, iox.ErrWouldBlock
	}
	return failedFuture(s.Request, err), nil
}

// Await is the effect operation for collecting a completion.
// Perform(Await{Future: f}) resumes with f's Completion.
type Await struct {
	kont.Phantom[Completion]
	Future *Future
}

// DispatchRing handles Await on an initiator.
// Non-blocking: returns iox.ErrWouldBlock until the response arrived.
func (a Await) DispatchRing(*Initiator) (kont.Resumed, error) {
	c, ok := a.Future.Result()
	if !ok {
		return nil, iox.ErrWouldBlock
	}
	return c, nil
}
