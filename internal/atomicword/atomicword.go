// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package atomicword holds the plain-uint32-plus-sync/atomic helpers shared
// by every package that places a word in shared memory a futex syscall (or
// a cooperating process running a different binary) must address directly:
// shmring and shmqueue both need this, so it lives here instead of being
// duplicated. See shmmutex for the reasoning behind using sync/atomic
// rather than the atomix package's wrapper types for these words.
package atomicword

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// FetchAdd atomically adds delta (two's-complement for negative values) to
// *addr and returns the value from before the add.
func FetchAdd(addr *uint32, delta int32) uint32 {
	d := uint32(delta)
	return atomic.AddUint32(addr, d) - d
}

// Exchange atomically stores val into *addr and returns the previous value.
func Exchange(addr *uint32, val uint32) uint32 {
	sw := spin.Wait{}
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, val) {
			return old
		}
		sw.Once()
	}
}

// And atomically ANDs mask into *addr.
func And(addr *uint32, mask uint32) {
	sw := spin.Wait{}
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return
		}
		sw.Once()
	}
}

// FetchAddHalf atomically adds delta to the 16-bit half of *addr selected
// by high, returning the previous value of that half. Implemented as a
// CAS-loop over the full word since nothing in this module's dependency
// surface exposes a native 16-bit atomic, and a plain 32-bit add would let
// carry from one half bleed into the other.
func FetchAddHalf(addr *uint32, high bool, delta uint16) uint16 {
	sw := spin.Wait{}
	for {
		old := atomic.LoadUint32(addr)
		var oldHalf uint16
		var next uint32
		if high {
			oldHalf = uint16(old >> 16)
			next = (old & 0x0000FFFF) | (uint32(oldHalf+delta) << 16)
		} else {
			oldHalf = uint16(old)
			next = (old & 0xFFFF0000) | uint32(oldHalf+delta)
		}
		if atomic.CompareAndSwapUint32(addr, old, next) {
			return oldHalf
		}
		sw.Once()
	}
}
