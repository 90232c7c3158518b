// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pvring

// allocPages falls back to heap memory where anonymous mappings are
// unavailable. Both loopback peers live in one address space.
func allocPages(n int) ([]byte, error) {
	return make([]byte, n*PageSize), nil
}

func freePages([]byte) error { return nil }
