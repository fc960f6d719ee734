// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmqueue

import (
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"github.com/tachyon-ipc/tachyon/internal/atomicword"
	"github.com/tachyon-ipc/tachyon/internal/obslog"
	"github.com/tachyon-ipc/tachyon/shmmap"
	"github.com/tachyon-ipc/tachyon/shmpool"
	"github.com/tachyon-ipc/tachyon/shmring"
)

// Constants lifted verbatim from the original implementation's build-time
// constants, which spec.md leaves unfixed.
const (
	// MaxConsumers is the size of the subqueue descriptor table: the
	// maximum number of consumer handles a single Queue can support at
	// once.
	MaxConsumers = 64
	// DefaultCapacity is the subqueue ring size Fetch/FetchProducer use
	// when creating a new named queue.
	DefaultCapacity = 64
	// NameMapBuckets is the bucket count of the name registry every Queue
	// in a pool shares.
	NameMapBuckets = 128
	// NameMapOffset is the fixed pool offset of the name registry, agreed
	// on by every process attached to the pool.
	NameMapOffset = 0
)

// subqueueDescriptor is one entry of a Queue's descriptor table. A
// subqueue's life cycle moves through three states:
//
//   - FREE: dead=1. The slot is available; MakeOwnSubqueue may claim it.
//   - LIVE: dead=0, valid=1, numReferences>0. The subqueue is open for
//     enqueue/dequeue.
//   - DYING: dead=0, valid=0, numReferences still draining to 0. The
//     consumer that owned it has closed; other handles still holding a
//     reference release it one at a time until the last one frees the
//     underlying ring and sets dead=1, returning the slot to FREE.
//
// None of these four words is ever a futex target (only shmring's slot
// valid/writeWaiters and shmmutex's state word are), so unlike those they
// are wrapped in atomix's types rather than plain sync/atomic.
type subqueueDescriptor struct {
	offset        atomix.Int32
	valid         atomix.Uint32
	dead          atomix.Uint32
	numReferences atomix.Uint32
}

// rawQueue is the structure every Queue handle shares in a pool.
type rawQueue struct {
	numSubqueues    uint32
	subqueueSize    uint32
	subqueueUpdates uint32
	descriptors     [MaxConsumers]subqueueDescriptor
}

// Queue is one handle onto a multi-producer, multi-consumer broadcast
// queue: an Enqueue is delivered to every live consumer's own subqueue, not
// load-balanced across them. A Queue must not be shared between
// goroutines; give each goroutine its own handle via Load with the same
// offset.
type Queue[T any] struct {
	pool   *shmpool.Pool
	hdr    *rawQueue
	offset int

	lastNumSubqueues    uint32
	lastSubqueueUpdates uint32

	subqueues       [MaxConsumers]*shmring.Ring[T]
	mySubqueue      *shmring.Ring[T]
	mySubqueueIndex uint32
	isConsumer      bool

	writable []uint32
}

// Create allocates a brand new queue. consumer selects whether this handle
// also owns a subqueue to read from; a producer-only handle should pass
// false so its messages are never left to pile up unread. size is the
// capacity of each subqueue a consumer creates.
func Create[T any](p *shmpool.Pool, consumer bool, size int) (*Queue[T], bool) {
	offset, ok := p.Allocate(int(unsafe.Sizeof(rawQueue{})))
	if !ok {
		return nil, false
	}
	hdr := shmpool.AtOffset[rawQueue](p, offset)
	*hdr = rawQueue{subqueueSize: uint32(size)}
	for i := range hdr.descriptors {
		hdr.descriptors[i].dead.StoreRelaxed(1)
	}

	q := newQueue[T](p, hdr, offset, consumer)
	if consumer {
		q.makeOwnSubqueue()
	}
	return q, true
}

// Load attaches a new handle to an existing queue at offset.
func Load[T any](p *shmpool.Pool, consumer bool, offset int) *Queue[T] {
	hdr := shmpool.AtOffset[rawQueue](p, offset)
	q := newQueue[T](p, hdr, offset, consumer)
	if consumer {
		q.makeOwnSubqueue()
	}
	return q
}

func newQueue[T any](p *shmpool.Pool, hdr *rawQueue, offset int, consumer bool) *Queue[T] {
	return &Queue[T]{
		pool:       p,
		hdr:        hdr,
		offset:     offset,
		isConsumer: consumer,
		writable:   make([]uint32, 0, MaxConsumers),
	}
}

func nameRegistry(p *shmpool.Pool) *shmmap.StringMap[int32] {
	reg, ok := shmmap.OpenStringMap[int32](p, NameMapOffset, NameMapBuckets)
	if !ok {
		panic("shmqueue: failed to open the queue name registry")
	}
	return reg
}

// Fetch finds the named queue, creating it with DefaultCapacity if it does
// not already exist, and returns a consumer handle to it.
func Fetch[T any](p *shmpool.Pool, name string) *Queue[T] {
	return fetchNamed[T](p, name, true, DefaultCapacity)
}

// FetchProducer is Fetch, but the returned handle is producer-only.
func FetchProducer[T any](p *shmpool.Pool, name string) *Queue[T] {
	return fetchNamed[T](p, name, false, DefaultCapacity)
}

// FetchSized is Fetch, but size is used instead of DefaultCapacity when a
// new queue needs to be created. size is ignored if the queue already
// exists.
func FetchSized[T any](p *shmpool.Pool, name string, size int) *Queue[T] {
	return fetchNamed[T](p, name, true, size)
}

// FetchSizedProducer combines FetchProducer and FetchSized.
func FetchSizedProducer[T any](p *shmpool.Pool, name string, size int) *Queue[T] {
	return fetchNamed[T](p, name, false, size)
}

func fetchNamed[T any](p *shmpool.Pool, name string, consumer bool, size int) *Queue[T] {
	reg := nameRegistry(p)
	if offset, ok := reg.Get(name); ok {
		return Load[T](p, consumer, int(offset))
	}

	q, ok := Create[T](p, consumer, size)
	if !ok {
		panic("shmqueue: pool exhausted while creating a named queue")
	}
	reg.InsertOrSet(name, int32(q.OffsetOf()))
	return q
}

// OffsetOf returns the queue header's pool offset, for registering it by
// name or handing it to another process out of band.
func (q *Queue[T]) OffsetOf() int { return q.offset }

// NumConsumers returns a snapshot of the number of currently live
// consumers.
func (q *Queue[T]) NumConsumers() uint32 {
	return atomicword.FetchAdd(&q.hdr.numSubqueues, 0)
}

func (q *Queue[T]) makeOwnSubqueue() {
	index := uint32(MaxConsumers)
	for i := uint32(0); i < MaxConsumers; i++ {
		if q.hdr.descriptors[i].dead.CompareAndSwapAcqRel(1, 0) {
			index = i
			break
		}
	}
	if index == MaxConsumers {
		panic("shmqueue: exceeded maximum number of consumers")
	}

	ring, ok := shmring.Create[T](q.pool, int(q.hdr.subqueueSize))
	if !ok {
		panic("shmqueue: pool exhausted while creating a subqueue")
	}
	q.subqueues[index] = ring
	q.mySubqueue = ring
	q.mySubqueueIndex = index

	d := &q.hdr.descriptors[index]
	d.offset.StoreRelease(int32(ring.OffsetOf()))
	d.numReferences.StoreRelaxed(1)
	d.valid.StoreRelease(1)

	q.lastNumSubqueues++
	q.lastSubqueueUpdates++
	atomicword.FetchAdd(&q.hdr.subqueueUpdates, 1)
	atomicword.FetchAdd(&q.hdr.numSubqueues, 1)

	obslog.Logger().Info().Int("subqueue_index", int(index)).Log("created subqueue")
}

// addSubqueue attaches this handle to an already-live subqueue it has not
// seen before. It returns false if the subqueue was freed by another
// handle in the window between observing valid and acquiring a reference.
func (q *Queue[T]) addSubqueue(index uint32) bool {
	d := &q.hdr.descriptors[index]
	sw := spin.Wait{}
	for {
		refs := d.numReferences.LoadAcquire()
		if refs == 0 {
			return false
		}
		if d.numReferences.CompareAndSwapAcqRel(refs, refs+1) {
			break
		}
		sw.Once()
	}
	offset := int(d.offset.LoadAcquire())
	q.subqueues[index] = shmring.Open[T](q.pool, offset)
	return true
}

// removeSubqueue drops this handle's reference to a subqueue, freeing its
// ring and returning the descriptor slot to FREE if this was the last
// reference.
func (q *Queue[T]) removeSubqueue(index uint32) {
	d := &q.hdr.descriptors[index]
	newRefs := d.numReferences.AddAcqRel(uint32(int32(-1)))
	if newRefs == 0 {
		q.subqueues[index].Free()
		d.dead.StoreRelease(1)
		obslog.Logger().Info().Int("subqueue_index", int(index)).Log("freed subqueue")
	}
	q.subqueues[index] = nil
}

// incorporateNewSubqueues brings this handle's local subqueues array up to
// date with every descriptor-table change made by other handles since the
// last call.
func (q *Queue[T]) incorporateNewSubqueues() {
	updates := atomicword.FetchAdd(&q.hdr.subqueueUpdates, 0)
	if updates == q.lastSubqueueUpdates {
		return
	}

	for i := uint32(0); i < MaxConsumers; i++ {
		valid := q.hdr.descriptors[i].valid.LoadAcquire() != 0
		switch {
		case valid && q.subqueues[i] == nil:
			if q.addSubqueue(i) {
				q.lastNumSubqueues++
			}
		case !valid && q.subqueues[i] != nil:
			q.removeSubqueue(i)
			q.lastNumSubqueues--
		}
	}
	q.lastSubqueueUpdates = updates
}

// Enqueue delivers item to every currently live consumer's subqueue, or to
// none of them: it reserves a slot in every subqueue first, and only
// commits item to all of them once every reservation succeeded, cancelling
// every reservation it made and returning false if any of them failed.
// Returns false with no effect if there are no consumers at all.
func (q *Queue[T]) Enqueue(item T) bool {
	q.incorporateNewSubqueues()
	if q.lastNumSubqueues == 0 {
		return false
	}

	q.writable = q.writable[:0]
	for i := uint32(0); i < MaxConsumers; i++ {
		sq := q.subqueues[i]
		if sq == nil {
			continue
		}
		if !sq.Reserve() {
			for _, j := range q.writable {
				q.subqueues[j].CancelReservation()
			}
			return false
		}
		q.writable = append(q.writable, i)
		if uint32(len(q.writable)) == q.lastNumSubqueues {
			break
		}
	}

	for _, i := range q.writable {
		q.subqueues[i].EnqueueAt(item)
	}
	return true
}

// EnqueueBlocking delivers item to every currently live consumer's
// subqueue, blocking on each one in turn until room is available. Returns
// false with no effect if there are no consumers at all.
func (q *Queue[T]) EnqueueBlocking(item T) bool {
	q.incorporateNewSubqueues()
	if q.lastNumSubqueues == 0 {
		return false
	}

	written := uint32(0)
	for i := uint32(0); i < MaxConsumers; i++ {
		sq := q.subqueues[i]
		if sq == nil {
			continue
		}
		sq.EnqueueBlocking(item)
		written++
		if written == q.lastNumSubqueues {
			break
		}
	}
	return true
}

// Dequeue removes and returns the next item from this handle's own
// subqueue, or false if it is empty. Panics if this handle is not a
// consumer.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mustBeConsumer()
	return q.mySubqueue.Dequeue()
}

// DequeueBlocking removes and returns the next item from this handle's own
// subqueue, blocking until one is available. Panics if this handle is not
// a consumer.
func (q *Queue[T]) DequeueBlocking() T {
	q.mustBeConsumer()
	return q.mySubqueue.DequeueBlocking()
}

// Peek returns the next item without consuming it. Panics if this handle
// is not a consumer.
func (q *Queue[T]) Peek() (T, bool) {
	q.mustBeConsumer()
	return q.mySubqueue.Peek()
}

// PeekBlocking returns the next item without consuming it, blocking until
// one is available. Panics if this handle is not a consumer.
func (q *Queue[T]) PeekBlocking() T {
	q.mustBeConsumer()
	return q.mySubqueue.PeekBlocking()
}

func (q *Queue[T]) mustBeConsumer() {
	if q.mySubqueue == nil {
		panic("shmqueue: queue is not configured as a consumer")
	}
}

// Close releases this handle's own subqueue (if it has one) and every
// other subqueue reference it picked up along the way. It does not free
// the queue itself; other handles may still be attached.
func (q *Queue[T]) Close() {
	if q.mySubqueue != nil {
		d := &q.hdr.descriptors[q.mySubqueueIndex]
		d.valid.StoreRelease(0)
		atomicword.FetchAdd(&q.hdr.numSubqueues, -1)
		atomicword.FetchAdd(&q.hdr.subqueueUpdates, 1)
	}
	for i := uint32(0); i < MaxConsumers; i++ {
		if q.subqueues[i] != nil {
			q.removeSubqueue(i)
		}
	}
}

// FreeQueue releases every subqueue and the queue header itself back to
// the pool. Only call this once every process is done with the queue.
func (q *Queue[T]) FreeQueue() {
	q.incorporateNewSubqueues()
	for i := uint32(0); i < MaxConsumers; i++ {
		if q.subqueues[i] != nil {
			q.subqueues[i].Free()
		}
	}
	q.pool.Free(q.offset, int(unsafe.Sizeof(rawQueue{})))
}
