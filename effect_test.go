// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/pvring"
)

// fill answers a read of n bytes with n copies of byte(n).
var fill = pvring.HandlerFunc(func(req pvring.RequestRecord, data []byte) pvring.Status {
	if req.Op != pvring.OpRead {
		return pvring.StatusOK
	}
	for k := range data {
		data[k] = byte(len(data))
	}
	return pvring.StatusOK
})

func checkFill(t *testing.T, c pvring.Completion, n int) {
	t.Helper()
	if c.Err != nil || c.Status != pvring.StatusOK {
		t.Fatalf("completion tag %d: status %v err %v", c.Tag, c.Status, c.Err)
	}
	if len(c.Payload) != n {
		t.Fatalf("completion tag %d: %d bytes, want %d", c.Tag, len(c.Payload), n)
	}
	for _, b := range c.Payload {
		if b != byte(n) {
			t.Fatalf("completion tag %d: byte %d, want %d", c.Tag, b, n)
		}
	}
}

func readReq(tag uint64, n int) pvring.Request {
	return pvring.Request{Tag: tag, Op: pvring.OpRead, Payload: make([]byte, n)}
}

func TestExecRoundTrip(t *testing.T) {
	p := newPair(t, fill, pvring.PairOptions{})
	c := pvring.Exec(p.Initiator, pvring.RoundTrip(readReq(1, 12)))
	if c.Tag != 1 || c.Op != pvring.OpRead {
		t.Fatalf("completion %+v", c)
	}
	checkFill(t, c, 12)
}

func TestExecExprRoundTrip(t *testing.T) {
	p := newPair(t, fill, pvring.PairOptions{})
	c := pvring.ExecExpr(p.Initiator, pvring.ExprRoundTrip(readReq(2, 30)))
	checkFill(t, c, 30)
}

func TestExecWriteThenRead(t *testing.T) {
	p := newPair(t, &disk{}, pvring.PairOptions{})
	protocol := pvring.SubmitBind(pvring.Request{Tag: 1, Op: pvring.OpWrite, Payload: []byte("effects")},
		func(w *pvring.Future) kont.Eff[string] {
			return pvring.AwaitBind(w, func(c pvring.Completion) kont.Eff[string] {
				if c.Err != nil {
					return kont.Pure("write: " + c.Err.Error())
				}
				return kont.Map(pvring.RoundTrip(readReq(2, 7)), func(r pvring.Completion) string {
					return string(r.Payload)
				})
			})
		})
	if got := pvring.Exec(p.Initiator, protocol); got != "effects" {
		t.Fatalf("got %q, want effects", got)
	}
}

func TestStepInspectOperations(t *testing.T) {
	g := newGate(fill)
	p := newPair(t, g, pvring.PairOptions{})
	t.Cleanup(func() { close(g.tokens) })

	_, susp := pvring.Step(pvring.ExprRoundTrip(readReq(5, 3)))
	if susp == nil {
		t.Fatal("expected suspension for Submit")
	}
	sub, ok := susp.Op().(pvring.Submit)
	if !ok {
		t.Fatalf("expected Submit, got %T", susp.Op())
	}
	if sub.Request.Tag != 5 {
		t.Fatalf("Submit tag %d, want 5", sub.Request.Tag)
	}

	_, susp, err := pvring.Advance(p.Initiator, susp)
	if err != nil {
		t.Fatalf("Advance Submit: %v", err)
	}
	if susp == nil {
		t.Fatal("expected suspension for Await")
	}
	if _, ok := susp.Op().(pvring.Await); !ok {
		t.Fatalf("expected Await, got %T", susp.Op())
	}

	// the responder is gated, so Await cannot complete yet
	_, again, err := pvring.Advance(p.Initiator, susp)
	if !errors.Is(err, iox.ErrWouldBlock) {
		t.Fatalf("Advance Await: got %v, want ErrWouldBlock", err)
	}
	if again != susp {
		t.Fatal("a blocked Advance must return the suspension unconsumed")
	}

	g.release(1)
	var c pvring.Completion
	waitFor(t, "await", func() bool {
		var err error
		c, susp, err = pvring.Advance(p.Initiator, susp)
		return err == nil
	})
	if susp != nil {
		t.Fatal("protocol should be complete")
	}
	checkFill(t, c, 3)
}

func TestSubmitOpBackpressure(t *testing.T) {
	g := newGate(fill)
	p := newPair(t, g, pvring.PairOptions{RingCapacity: 1})
	t.Cleanup(func() { close(g.tokens) })

	if _, err := p.Initiator.TrySubmit(readReq(1, 1)); err != nil {
		t.Fatal(err)
	}
	_, susp := pvring.Step(pvring.ExprRoundTrip(readReq(2, 1)))
	if _, _, err := pvring.Advance(p.Initiator, susp); !errors.Is(err, iox.ErrWouldBlock) {
		t.Fatalf("Submit on a full ring: got %v, want ErrWouldBlock", err)
	}
	g.release(2)
	var c pvring.Completion
	waitFor(t, "round trip", func() bool {
		r, next, err := pvring.Advance(p.Initiator, susp)
		if err != nil {
			return false
		}
		c, susp = r, next
		return susp == nil
	})
	checkFill(t, c, 1)
}

func TestSubmitOpNotConnected(t *testing.T) {
	host := pvring.NewLoopback()
	ini, err := pvring.NewInitiator(frontConfig(host, nullLogger()))
	if err != nil {
		t.Fatal(err)
	}
	c := pvring.Exec(ini, pvring.RoundTrip(readReq(9, 4)))
	if !errors.Is(c.Err, pvring.ErrNotConnected) || c.Status != pvring.StatusError {
		t.Fatalf("completion %+v, want ErrNotConnected", c)
	}
	if c.Tag != 9 || c.Request.Op != pvring.OpRead {
		t.Fatalf("failed completion lost its request: %+v", c)
	}
}

func TestPipelineOrdered(t *testing.T) {
	p := newPair(t, fill, pvring.PairOptions{RingCapacity: 4})
	reqs := make([]pvring.Request, 10)
	for k := range reqs {
		reqs[k] = readReq(uint64(k), k+1)
	}
	got := pvring.Exec(p.Initiator, pvring.Pipeline(reqs))
	if len(got) != len(reqs) {
		t.Fatalf("%d completions, want %d", len(got), len(reqs))
	}
	for k, c := range got {
		if c.Tag != uint64(k) {
			t.Fatalf("completion %d has tag %d", k, c.Tag)
		}
		checkFill(t, c, k+1)
	}
}

func TestExprPipeline(t *testing.T) {
	p := newPair(t, fill, pvring.PairOptions{RingCapacity: 4})
	reqs := []pvring.Request{readReq(0, 8), readReq(1, 16), readReq(2, 32)}
	got := pvring.ExecExpr(p.Initiator, pvring.ExprPipeline(reqs))
	for k, c := range got {
		checkFill(t, c, 8<<k)
	}
	if empty := pvring.ExecExpr(p.Initiator, pvring.ExprPipeline(nil)); len(empty) != 0 {
		t.Fatalf("empty pipeline returned %d completions", len(empty))
	}
}

func TestRunInterleavesCallers(t *testing.T) {
	p := newPair(t, fill, pvring.PairOptions{RingCapacity: 4})
	const callers = 6
	protocols := make([]kont.Eff[[]pvring.Completion], callers)
	for k := range protocols {
		reqs := make([]pvring.Request, 3)
		for j := range reqs {
			reqs[j] = readReq(uint64(k*10+j), k+j+1)
		}
		protocols[k] = pvring.Pipeline(reqs)
	}
	results := pvring.Run(p.Initiator, protocols...)
	for k, got := range results {
		if len(got) != 3 {
			t.Fatalf("caller %d: %d completions", k, len(got))
		}
		for j, c := range got {
			if c.Tag != uint64(k*10+j) {
				t.Fatalf("caller %d completion %d: tag %d", k, j, c.Tag)
			}
			checkFill(t, c, k+j+1)
		}
	}
	if n := p.Initiator.Outstanding(); n != 0 {
		t.Fatalf("%d requests outstanding after Run", n)
	}
}

func TestRunExprMixed(t *testing.T) {
	p := newPair(t, fill, pvring.PairOptions{RingCapacity: 2})
	results := pvring.RunExpr(p.Initiator,
		pvring.ExprRoundTrip(readReq(0, 1)),
		kont.ExprReturn(pvring.Completion{Tag: 99}),
		pvring.ExprRoundTrip(readReq(2, 3)),
	)
	checkFill(t, results[0], 1)
	if results[1].Tag != 99 {
		t.Fatalf("pure protocol result %+v", results[1])
	}
	checkFill(t, results[2], 3)
}

func TestAdvanceUnhandledEffectPanics(t *testing.T) {
	type foreign struct{ kont.Phantom[int] }
	_, susp := pvring.Step[int](kont.ExprPerform(foreign{}))
	if susp == nil {
		t.Fatal("expected suspension")
	}
	defer func() {
		msg, ok := recover().(string)
		if !ok || msg != "pvring: unhandled effect in Advance" {
			t.Fatalf("unexpected panic: %q", msg)
		}
	}()
	_, _, _ = pvring.Advance(nil, susp)
}

func TestExecUnhandledEffectPanics(t *testing.T) {
	type foreign struct{ kont.Phantom[int] }
	defer func() {
		msg, ok := recover().(string)
		if !ok || msg != "pvring: unhandled effect in Exec" {
			t.Fatalf("unexpected panic: %q", msg)
		}
	}()
	pvring.ExecExpr[int](nil, kont.ExprPerform(foreign{}))
}

func BenchmarkExecRoundTrip(b *testing.B) {
	p, err := pvring.NewLoopbackPair(b.Context(), fill, pvring.PairOptions{Logger: nullLogger()})
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()
	req := readReq(0, 64)
	for b.Loop() {
		c := pvring.Exec(p.Initiator, pvring.RoundTrip(req))
		if c.Err != nil {
			b.Fatal(c.Err)
		}
	}
}
