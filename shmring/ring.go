// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmring

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"

	"github.com/tachyon-ipc/tachyon/internal/atomicword"
	"github.com/tachyon-ipc/tachyon/internal/futex"
	"github.com/tachyon-ipc/tachyon/shmpool"
)

// roundToPow2 rounds n up to the next power of 2. A capacity of 1 (itself a
// power of 2) is honored rather than silently widened; only n < 1 is
// clamped, since a zero or negative capacity ring is nonsensical.
func roundToPow2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// header lives at a pool offset and describes one ring. capacity and mask
// never change after Create; writeLength and headIndex are contended
// counters every producer touches.
type header struct {
	writeLength uint32
	headIndex   uint32
	capacity    uint32
	mask        uint32
	slotsOffset int64
}

// slot is one element of the ring's backing array. valid and writeWaiters
// are both futex targets:
//
//   - valid: 0 empty, 1 filled, 2 empty-with-a-waiting-consumer.
//   - writeWaiters: low 16 bits is a ticket counter (incremented once per
//     arriving producer), high 16 bits is a woken counter (incremented once
//     per slot the consumer vacates); bit 15 of each half is an epoch bit
//     that flips on 15-bit wraparound, so a blocked producer can tell which
//     counter is "ahead" after either one wraps.
type slot[T any] struct {
	valid        uint32
	writeWaiters uint32
	value        T
}

// Ring is a bounded single-consumer FIFO living in a shmpool.Pool. Multiple
// producers and the one consumer may be different processes, all of which
// must instantiate Ring with the same T.
type Ring[T any] struct {
	pool      *shmpool.Pool
	offset    int
	hdr       *header
	slots     []slot[T]
	tailIndex uint32
}

// Create allocates a new ring of the given capacity (rounded up to a power
// of 2) in p. It returns false if the pool is exhausted.
func Create[T any](p *shmpool.Pool, capacity int) (*Ring[T], bool) {
	assertFlat[T]()
	capacity = roundToPow2(capacity)

	hdrOff, ok := p.Allocate(int(unsafe.Sizeof(header{})))
	if !ok {
		return nil, false
	}
	slotsOff, ok := p.Allocate(int(unsafe.Sizeof(slot[T]{})) * capacity)
	if !ok {
		p.Free(hdrOff, int(unsafe.Sizeof(header{})))
		return nil, false
	}

	hdr := shmpool.AtOffset[header](p, hdrOff)
	*hdr = header{
		capacity:    uint32(capacity),
		mask:        uint32(capacity - 1),
		slotsOffset: int64(slotsOff),
	}
	slots := shmpool.AtOffsetSlice[slot[T]](p, slotsOff, capacity)
	for i := range slots {
		slots[i] = slot[T]{}
	}

	return &Ring[T]{pool: p, offset: hdrOff, hdr: hdr, slots: slots}, true
}

// Open attaches to an existing ring by pool offset.
func Open[T any](p *shmpool.Pool, offset int) *Ring[T] {
	hdr := shmpool.AtOffset[header](p, offset)
	slots := shmpool.AtOffsetSlice[slot[T]](p, int(hdr.slotsOffset), int(hdr.capacity))
	return &Ring[T]{pool: p, offset: offset, hdr: hdr, slots: slots}
}

// OffsetOf returns the ring header's pool offset, for registering this ring
// so another process can Open it.
func (r *Ring[T]) OffsetOf() int { return r.offset }

// Capacity returns the ring's slot count.
func (r *Ring[T]) Capacity() int { return int(r.hdr.capacity) }

// Free returns the ring's header and slot array to the pool. The caller
// must ensure no other goroutine or process is still using the ring.
func (r *Ring[T]) Free() {
	r.pool.Free(int(r.hdr.slotsOffset), len(r.slots)*int(unsafe.Sizeof(slot[T]{})))
	r.pool.Free(r.offset, int(unsafe.Sizeof(header{})))
}

// Reserve claims one unit of capacity without choosing a slot. It returns
// false, leaving the ring unchanged, if the ring is full.
func (r *Ring[T]) Reserve() bool {
	old := atomicword.FetchAdd(&r.hdr.writeLength, 1)
	if old >= r.hdr.capacity {
		atomicword.FetchAdd(&r.hdr.writeLength, -1)
		return false
	}
	return true
}

// CancelReservation releases a unit of capacity claimed by Reserve without
// a matching EnqueueAt. Used when a caller reserved space in several rings
// at once and one of the others failed.
func (r *Ring[T]) CancelReservation() {
	atomicword.FetchAdd(&r.hdr.writeLength, -1)
}

// EnqueueAt commits item into the slot claimed by a prior successful
// Reserve. It never blocks and never fails.
func (r *Ring[T]) EnqueueAt(item T) {
	r.doEnqueue(item, false)
}

// Enqueue reserves and commits item in one step, returning false if the
// ring was full.
func (r *Ring[T]) Enqueue(item T) bool {
	if !r.Reserve() {
		return false
	}
	r.EnqueueAt(item)
	return true
}

// EnqueueBlocking commits item, growing the reservation counter
// unconditionally and blocking the caller until a slot is free if the ring
// is currently full.
func (r *Ring[T]) EnqueueBlocking(item T) {
	atomic.AddUint32(&r.hdr.writeLength, 1)
	r.doEnqueue(item, true)
}

func (r *Ring[T]) doEnqueue(item T, canBlock bool) {
	oldHead := atomicword.FetchAdd(&r.hdr.headIndex, 1)
	atomicword.And(&r.hdr.headIndex, r.hdr.mask)
	oldHead &= r.hdr.mask

	s := &r.slots[oldHead]
	myTicket := atomicword.FetchAddHalf(&s.writeWaiters, false, 1)

	if canBlock {
		waitForTurn(s, myTicket)
	}

	s.value = item

	oldValid := atomicword.Exchange(&s.valid, 1)
	if oldValid == 2 {
		futex.Wake(&s.valid, 1)
	}
}

// waitForTurn blocks until the slot's woken counter reaches myTicket,
// preserving producer arrival order: the deli algorithm. myTicket's epoch
// bit is ignored; wraparound ordering is resolved by comparing the epoch
// bits of the ticket and woken halves.
func waitForTurn[T any](s *slot[T], myTicket uint16) {
	myTicket &= 0x7FFF
	sw := spin.Wait{}
	ww := atomic.LoadUint32(&s.writeWaiters)
	for {
		woken := uint16(ww>>16) & 0x7FFF
		inverted := (ww&(1<<15) != 0) != (ww&(1<<31) != 0)
		if !inverted && woken >= myTicket {
			return
		}
		if inverted && woken <= myTicket {
			return
		}
		if futex.Wait(&s.writeWaiters, ww) == nil {
			ww = atomic.LoadUint32(&s.writeWaiters)
			continue
		}
		// futex.Wait failed without sleeping (an unexpected syscall error,
		// or the non-Linux stub, which fails immediately every call): pace
		// the re-read instead of hammering the cache line.
		sw.Once()
		ww = atomic.LoadUint32(&s.writeWaiters)
	}
}

// Dequeue removes and returns the next item, or false if the ring is
// empty.
func (r *Ring[T]) Dequeue() (T, bool) {
	s := &r.slots[r.tailIndex]
	if !atomic.CompareAndSwapUint32(&s.valid, 1, 0) {
		var zero T
		return zero, false
	}
	item := r.advance(s)
	oldLength := atomicword.FetchAdd(&r.hdr.writeLength, -1)
	if oldLength > r.hdr.capacity {
		futex.WakeAll(&s.writeWaiters)
	}
	return item, true
}

// DequeueBlocking removes and returns the next item, blocking until one is
// available.
func (r *Ring[T]) DequeueBlocking() T {
	s := &r.slots[r.tailIndex]
	if !atomic.CompareAndSwapUint32(&s.valid, 1, 0) {
		if atomic.CompareAndSwapUint32(&s.valid, 0, 2) {
			for atomic.LoadUint32(&s.valid) == 2 {
				_ = futex.Wait(&s.valid, 2)
			}
		}
		atomic.StoreUint32(&s.valid, 0)
	}
	item := r.advance(s)
	oldLength := atomicword.FetchAdd(&r.hdr.writeLength, -1)
	if oldLength > r.hdr.capacity {
		futex.WakeAll(&s.writeWaiters)
	}
	return item
}

// advance copies the slot's value out, advances tailIndex, and releases
// one ticket for a producer that may be waiting on this slot.
func (r *Ring[T]) advance(s *slot[T]) T {
	item := s.value
	r.tailIndex = (r.tailIndex + 1) & r.hdr.mask
	atomicword.FetchAddHalf(&s.writeWaiters, true, 1)
	return item
}

// Peek returns the next item without consuming it. A following Dequeue is
// guaranteed to return the same item.
func (r *Ring[T]) Peek() (T, bool) {
	s := &r.slots[r.tailIndex]
	if atomic.LoadUint32(&s.valid) != 1 {
		var zero T
		return zero, false
	}
	return s.value, true
}

// PeekBlocking returns the next item, blocking until one is available,
// without consuming it.
func (r *Ring[T]) PeekBlocking() T {
	s := &r.slots[r.tailIndex]
	for {
		if atomic.LoadUint32(&s.valid) == 1 {
			return s.value
		}
		if atomic.CompareAndSwapUint32(&s.valid, 0, 2) {
			for atomic.LoadUint32(&s.valid) == 2 {
				_ = futex.Wait(&s.valid, 2)
			}
			return s.value
		}
	}
}
