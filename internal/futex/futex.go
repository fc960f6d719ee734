// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package futex wraps the Linux futex(2) wait/wake primitives that back
// Mutex and the blocking paths of Ring. Every exported function operates
// directly on a *uint32 living in a shared-memory mapping, so the kernel
// sees the same word every cooperating process does.
package futex

import "errors"

// ErrTimeout is returned by WaitTimeout when the timeout elapses before the word
// changed or a waker arrived.
var ErrTimeout = errors.New("futex: wait timed out")
