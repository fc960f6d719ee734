// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmmutex implements the three-state futex mutex used to guard the
// allocator's bitmap and every other structure in this module that needs a
// short, uncontended-fast critical section inside shared memory.
//
// The state word takes one of three values: 0 (unlocked), 1 (locked, no
// waiters), 2 (locked, at least one waiter). An uncontended lock/unlock pair
// never leaves userspace; a contended one costs exactly one futex syscall
// per side.
package shmmutex

import (
	"sync/atomic"

	"code.hybscloud.com/spin"

	"github.com/tachyon-ipc/tachyon/internal/futex"
)

const (
	stateUnlocked  = 0
	stateLocked    = 1
	stateContended = 2
)

// Mutex is a futex-backed lock. Its zero value is unlocked and ready to use.
// It must live at a stable address in shared memory: every waiter and every
// owner across every process maps the same bytes.
//
// state is a plain uint32 manipulated with sync/atomic rather than the
// atomix package's wrapper types: a futex syscall needs the real address
// of the word the kernel compares, and nothing in this module's dependency
// surface documents an address-of accessor for an opaque wrapper type, so
// every futex-target word in this module (here, and Ring's valid/waiter
// words) is a bare field under sync/atomic instead — the same layout
// markrussinovich-grpc-go-shmem uses for its mmap'd segment header fields.
type Mutex struct {
	state uint32
}

// addr exposes the state word's address for the futex syscalls. Mutex must
// never be copied after first use.
func (m *Mutex) addr() *uint32 { return &m.state }

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(&m.state, stateUnlocked, stateLocked) {
		return
	}
	sw := spin.Wait{}
	for {
		// Assume contention persists; announce it so the unlocker knows to
		// wake us, then wait for the word to actually change.
		cur := atomic.LoadUint32(&m.state)
		if cur == stateContended || (cur == stateLocked && atomic.CompareAndSwapUint32(&m.state, stateLocked, stateContended)) {
			if futex.Wait(m.addr(), stateContended) != nil {
				sw.Once()
			}
		}
		if atomic.CompareAndSwapUint32(&m.state, stateUnlocked, stateContended) {
			return
		}
	}
}

// Unlock releases the mutex. The caller must hold it.
func (m *Mutex) Unlock() {
	if atomic.CompareAndSwapUint32(&m.state, stateLocked, stateUnlocked) {
		return
	}
	// Must have been contended; clear it and wake exactly one waiter.
	atomic.StoreUint32(&m.state, stateUnlocked)
	futex.Wake(m.addr(), 1)
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, stateUnlocked, stateLocked)
}
