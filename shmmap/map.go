// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmmap

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/tachyon-ipc/tachyon/internal/layout"
	"github.com/tachyon-ipc/tachyon/shmmutex"
	"github.com/tachyon-ipc/tachyon/shmpool"
)

// noNext marks the end of a bucket's collision chain. Zero is a valid pool
// offset (the allocation bitmap's block 0 is ordinary data), so -1, not 0,
// is the sentinel.
const noNext int64 = -1

// shmData is the fixed-size header every Map/StringMap places at its pool
// offset: everything else the map needs is reachable from these two
// offsets, so a second process attaching to the same offset needs nothing
// more than the offset and the agreed-upon bucket count.
type shmData struct {
	dataOffset int64
	lockOffset int64
}

// bucket is one slot of a Map's backing array, or one link of a collision
// chain hanging off it.
type bucket[K comparable, V any] struct {
	occupied bool
	key      K
	value    V
	next     int64
}

// Map is a hash map of fixed-size, pointer-free keys and values, backed by
// a shmpool.Pool. A Map must not be copied.
type Map[K comparable, V any] struct {
	pool       *shmpool.Pool
	offset     int
	numBuckets int
	dataOffset int
	shm        *shmData
	buckets    []bucket[K, V]
	lock       *shmmutex.Mutex
}

// Create allocates a new map with numBuckets buckets at a pool offset of
// the pool's choosing.
func Create[K comparable, V any](p *shmpool.Pool, numBuckets int) (*Map[K, V], bool) {
	layout.AssertFlat[K]()
	layout.AssertFlat[V]()

	offset, ok := p.Allocate(int(unsafe.Sizeof(shmData{})))
	if !ok {
		return nil, false
	}
	m := &Map[K, V]{pool: p, offset: offset, numBuckets: numBuckets}
	if !m.place() {
		p.Free(offset, int(unsafe.Sizeof(shmData{})))
		return nil, false
	}
	return m, true
}

// Open attaches to a map at a known offset, one every cooperating process
// agrees on in advance (e.g. a name registry at a fixed location). The
// first caller to reach offset places a fresh header there; every caller
// after that just attaches to what is already there. numBuckets must be
// identical across every call for a given offset.
func Open[K comparable, V any](p *shmpool.Pool, offset, numBuckets int) (*Map[K, V], bool) {
	layout.AssertFlat[K]()
	layout.AssertFlat[V]()

	m := &Map[K, V]{pool: p, offset: offset, numBuckets: numBuckets}
	if p.IsUsed(offset) {
		m.attach()
		return m, true
	}
	if !p.AllocateAt(offset, int(unsafe.Sizeof(shmData{}))) {
		// Lost a race with another process placing the same header.
		m.attach()
		return m, true
	}
	if !m.place() {
		return nil, false
	}
	return m, true
}

func (m *Map[K, V]) place() bool {
	bucketBytes := int(unsafe.Sizeof(bucket[K, V]{})) * m.numBuckets
	dataOff, ok := m.pool.Allocate(bucketBytes)
	if !ok {
		return false
	}
	lockOff, ok := m.pool.Allocate(int(unsafe.Sizeof(shmmutex.Mutex{})))
	if !ok {
		m.pool.Free(dataOff, bucketBytes)
		return false
	}

	m.dataOffset = dataOff
	m.buckets = shmpool.AtOffsetSlice[bucket[K, V]](m.pool, dataOff, m.numBuckets)
	for i := range m.buckets {
		m.buckets[i] = bucket[K, V]{next: noNext}
	}
	m.lock = shmpool.AtOffset[shmmutex.Mutex](m.pool, lockOff)
	*m.lock = shmmutex.Mutex{}

	m.shm = shmpool.AtOffset[shmData](m.pool, m.offset)
	m.shm.dataOffset = int64(dataOff)
	m.shm.lockOffset = int64(lockOff)
	return true
}

func (m *Map[K, V]) attach() {
	m.shm = shmpool.AtOffset[shmData](m.pool, m.offset)
	m.dataOffset = int(m.shm.dataOffset)
	m.buckets = shmpool.AtOffsetSlice[bucket[K, V]](m.pool, m.dataOffset, m.numBuckets)
	m.lock = shmpool.AtOffset[shmmutex.Mutex](m.pool, int(m.shm.lockOffset))
}

// hashKey hashes key's raw bytes. K is required to be flat (layout.AssertFlat
// is called by Create/Open), so this is safe for any K, not just integers.
func hashKey[K comparable](key K) uint64 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(&key)), unsafe.Sizeof(key))
	return xxhash.Sum64(b)
}

// findBucket returns the bucket key belongs in: either the one already
// holding it, or the last bucket of its collision chain, the one a new key
// at this hash would be chained off of.
func (m *Map[K, V]) findBucket(key K) *bucket[K, V] {
	idx := int(hashKey(key) % uint64(m.numBuckets))
	b := &m.buckets[idx]
	for {
		if !b.occupied || b.key == key {
			return b
		}
		if b.next == noNext {
			return b
		}
		b = shmpool.AtOffset[bucket[K, V]](m.pool, int(b.next))
	}
}

// InsertOrSet adds a new item to the map, or overwrites the value of an
// existing one with an equal key.
func (m *Map[K, V]) InsertOrSet(key K, value V) {
	m.lock.Lock()
	defer m.lock.Unlock()

	b := m.findBucket(key)
	if b.occupied && b.key != key {
		newOff, ok := m.pool.Allocate(int(unsafe.Sizeof(bucket[K, V]{})))
		if !ok {
			panic("shmmap: pool exhausted while chaining a new bucket")
		}
		nb := shmpool.AtOffset[bucket[K, V]](m.pool, newOff)
		*nb = bucket[K, V]{next: noNext}
		b.next = int64(newOff)
		b = nb
	}

	b.key = key
	b.value = value
	b.occupied = true
}

// Get reports whether key is present, and its value if so.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	b := m.findBucket(key)
	if !b.occupied || b.key != key {
		var zero V
		return zero, false
	}
	return b.value, true
}

// Free releases the map's header, bucket array, lock, and every chained
// bucket back to the pool. Only call this once every process is done with
// the map.
func (m *Map[K, V]) Free() {
	bucketSize := int(unsafe.Sizeof(bucket[K, V]{}))
	for i := range m.buckets {
		next := m.buckets[i].next
		for next != noNext {
			nb := shmpool.AtOffset[bucket[K, V]](m.pool, int(next))
			toFree := int(next)
			next = nb.next
			m.pool.Free(toFree, bucketSize)
		}
	}
	m.pool.Free(m.dataOffset, bucketSize*m.numBuckets)
	m.pool.Free(int(m.shm.lockOffset), int(unsafe.Sizeof(shmmutex.Mutex{})))
	m.pool.Free(m.offset, int(unsafe.Sizeof(shmData{})))
}

// OffsetOf returns the map header's pool offset.
func (m *Map[K, V]) OffsetOf() int { return m.offset }
