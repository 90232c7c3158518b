// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring_test

import (
	"testing"

	"code.hybscloud.com/pvring"
)

func TestLoopbackEventChannel(t *testing.T) {
	host := pvring.NewLoopback()
	evA, evB := host.Events(domA), host.Events(domB)

	pa, err := evA.AllocUnbound(domB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := host.Events(3).BindInterdomain(domA, pa); err == nil {
		t.Fatal("a domain the port was not allocated for bound to it")
	}
	pb, err := evB.BindInterdomain(domA, pa)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := evB.BindInterdomain(domA, pa); err == nil {
		t.Fatal("second bind to a connected port succeeded")
	}

	var gotA, gotB int
	if err := evA.Bind(pa, func() { gotA++ }); err != nil {
		t.Fatal(err)
	}
	if err := evB.Bind(pb, func() { gotB++ }); err != nil {
		t.Fatal(err)
	}
	if err := evA.Bind(pb, func() {}); err == nil {
		t.Fatal("Bind on a foreign port succeeded")
	}

	if err := evA.Notify(pa); err != nil {
		t.Fatal(err)
	}
	if err := evB.Notify(pb); err != nil {
		t.Fatal(err)
	}
	if err := evB.Notify(pb); err != nil {
		t.Fatal(err)
	}
	if gotA != 2 || gotB != 1 {
		t.Fatalf("upcalls A=%d B=%d, want 2 and 1", gotA, gotB)
	}

	if err := evB.Close(pb); err != nil {
		t.Fatal(err)
	}
	if err := evA.Notify(pa); err == nil {
		t.Fatal("Notify after the peer closed succeeded")
	}
	if err := evB.Notify(pb); err == nil {
		t.Fatal("Notify on a closed port succeeded")
	}
}
