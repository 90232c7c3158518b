// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || freebsd || netbsd || openbsd

package pvring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocPages maps n zeroed, page-aligned shared pages outside the Go heap.
// MAP_SHARED keeps the mapping shareable with a forked peer.
func allocPages(n int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, n*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pvring: mmap %d pages: %w", n, err)
	}
	return mem, nil
}

// freePages releases memory returned by allocPages.
func freePages(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("pvring: munmap: %w", err)
	}
	return nil
}
