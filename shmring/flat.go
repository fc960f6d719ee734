// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmring

import "github.com/tachyon-ipc/tachyon/internal/layout"

// assertFlat panics if T is not safe to place directly in shared memory: a
// fixed-size value with no pointers, slices, maps, channels, interfaces,
// strings or funcs. The original implementation enforced the equivalent
// constraint with a compile-time static_assert(std::is_trivially_copyable);
// Go generics have no such facility, so this is checked at run time, via
// reflection, on every Create.
func assertFlat[T any]() {
	layout.AssertFlat[T]()
}
