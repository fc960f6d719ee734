// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmring is the single-consumer ring buffer that backs one
// subqueue of a fan-out Queue. Multiple producers across cooperating
// processes contend for slots via a reservation counter; exactly one
// consumer drains them. Producers and the consumer can both block: a
// producer waits on a per-slot ticket counter when the ring is full, and
// the consumer waits on a slot's valid word when the ring is empty.
package shmring
