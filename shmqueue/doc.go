// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmqueue implements a multi-producer, multi-consumer broadcast
// queue over a fixed-size array of shmring.Ring subqueues, one per
// consumer: every item Enqueued is delivered to every currently-live
// consumer, not load-balanced across them. A Queue handle is either a
// consumer (it owns one subqueue, created by Create, Load or Fetch, that
// Dequeue reads from) or a producer-only handle that only ever writes.
//
// Queues are found by name through a shmmap.StringMap registry rooted at a
// fixed pool offset, so unrelated processes attached to the same pool can
// rendezvous on a queue without any other coordination.
package shmqueue
