// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package futex

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Wait blocks while *addr == val, returning as soon as the kernel observes a
// different value or a matching Wake arrives. A spurious return is always
// possible; callers must re-check their own condition in a loop.
//
// Wait never races a concurrent Wake: the kernel compares *addr against val
// atomically with enqueueing the waiter, so a writer that has already
// changed *addr before this call can never leave the wait un-woken.
func Wait(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(val),
		0,
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return fmt.Errorf("futex: wait: %w", errno)
	}
}

// WaitTimeout is Wait bounded by timeout. A non-positive timeout waits
// forever. Returns ErrTimeout if the deadline elapses first.
func WaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	if timeout <= 0 {
		return Wait(addr, val)
	}
	ts := unix.Timespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return fmt.Errorf("futex: wait: %w", errno)
	}
}

// Wake wakes up to n waiters blocked on addr and returns the number woken.
func Wake(addr *uint32, n int) int {
	r1, _, _ := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0,
		0,
		0,
	)
	return int(r1)
}

// WakeAll wakes every waiter blocked on addr.
func WakeAll(addr *uint32) int { return Wake(addr, int(^uint32(0)>>1)) }
