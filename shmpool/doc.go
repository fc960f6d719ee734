// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmpool manages a single named POSIX shared-memory segment
// carved into fixed-size blocks, handed out by a best-fit bitmap
// allocator. Every other structure in this module (Ring, SharedHashMap,
// Queue descriptor tables) is built on top of offsets into a Pool rather
// than raw pointers, so the same segment can be mapped at different
// addresses in cooperating processes.
package shmpool
