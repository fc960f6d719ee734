// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chunk implements Chunk, a paired data/gradient float32 payload
// meant to move across a shmqueue.Queue: Enqueue copies a Chunk's local
// arrays into pool-owned storage just long enough to hand an offset pair to
// the queue, and Dequeue copies them back out and frees the pool storage.
// Outside of a queue, a Chunk also round-trips through a flat byte buffer
// for transport off this host entirely.
package chunk
