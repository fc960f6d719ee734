// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmmap implements a fixed-bucket-count hash map living in a
// shmpool.Pool, guarded by a single shmmutex.Mutex and using pool-offset
// "next" pointers instead of process addresses for separate-chaining
// collision resolution, so the same map is usable from every process
// attached to the pool.
//
// Map handles trivially-copyable, fixed-size keys compared and hashed by
// value. StringMap handles byte-string keys: the key's bytes are copied
// into pool-owned storage and compared/hashed by content, the equivalent of
// the original implementation's ConvKeyType specialization for C strings.
package shmmap
