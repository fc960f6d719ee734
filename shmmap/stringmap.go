// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmmap

import (
	"bytes"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/tachyon-ipc/tachyon/internal/layout"
	"github.com/tachyon-ipc/tachyon/shmmutex"
	"github.com/tachyon-ipc/tachyon/shmpool"
)

// stringBucket is one slot of a StringMap's backing array. Unlike bucket,
// the key itself does not live inline: keyOffset/keyLen point at a
// pool-allocated copy of the key's bytes, the Go equivalent of the original
// implementation converting a C string into a shared-memory offset before
// storing it.
type stringBucket[V any] struct {
	occupied  bool
	keyOffset int64
	keyLen    int32
	value     V
	next      int64
}

// StringMap is a hash map of byte-string keys and fixed-size, pointer-free
// values, backed by a shmpool.Pool. A StringMap must not be copied.
type StringMap[V any] struct {
	pool       *shmpool.Pool
	offset     int
	numBuckets int
	dataOffset int
	shm        *shmData
	buckets    []stringBucket[V]
	lock       *shmmutex.Mutex
}

// CreateStringMap allocates a new string-keyed map with numBuckets buckets at a pool
// offset of the pool's choosing.
func CreateStringMap[V any](p *shmpool.Pool, numBuckets int) (*StringMap[V], bool) {
	layout.AssertFlat[V]()

	offset, ok := p.Allocate(int(unsafe.Sizeof(shmData{})))
	if !ok {
		return nil, false
	}
	m := &StringMap[V]{pool: p, offset: offset, numBuckets: numBuckets}
	if !m.place() {
		p.Free(offset, int(unsafe.Sizeof(shmData{})))
		return nil, false
	}
	return m, true
}

// OpenStringMap attaches to a string-keyed map at a known offset, placing a
// fresh header there if this is the first process to reach it. numBuckets
// must be identical across every call for a given offset.
func OpenStringMap[V any](p *shmpool.Pool, offset, numBuckets int) (*StringMap[V], bool) {
	layout.AssertFlat[V]()

	m := &StringMap[V]{pool: p, offset: offset, numBuckets: numBuckets}
	if p.IsUsed(offset) {
		m.attach()
		return m, true
	}
	if !p.AllocateAt(offset, int(unsafe.Sizeof(shmData{}))) {
		m.attach()
		return m, true
	}
	if !m.place() {
		return nil, false
	}
	return m, true
}

func (m *StringMap[V]) place() bool {
	bucketBytes := int(unsafe.Sizeof(stringBucket[V]{})) * m.numBuckets
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
	m.buckets = shmpool.AtOffsetSlice[stringBucket[V]](m.pool, dataOff, m.numBuckets)
	for i := range m.buckets {
		m.buckets[i] = stringBucket[V]{next: noNext}
	}
	m.lock = shmpool.AtOffset[shmmutex.Mutex](m.pool, lockOff)
	*m.lock = shmmutex.Mutex{}

	m.shm = shmpool.AtOffset[shmData](m.pool, m.offset)
	m.shm.dataOffset = int64(dataOff)
	m.shm.lockOffset = int64(lockOff)
	return true
}

func (m *StringMap[V]) attach() {
	m.shm = shmpool.AtOffset[shmData](m.pool, m.offset)
	m.dataOffset = int(m.shm.dataOffset)
	m.buckets = shmpool.AtOffsetSlice[stringBucket[V]](m.pool, m.dataOffset, m.numBuckets)
	m.lock = shmpool.AtOffset[shmmutex.Mutex](m.pool, int(m.shm.lockOffset))
}

func (m *StringMap[V]) keyBytes(b *stringBucket[V]) []byte {
	if b.keyLen == 0 {
		return nil
	}
	return shmpool.AtOffsetSlice[byte](m.pool, int(b.keyOffset), int(b.keyLen))
}

func (m *StringMap[V]) keyEquals(b *stringBucket[V], key string) bool {
	return bytes.Equal(m.keyBytes(b), []byte(key))
}

// findBucket returns the bucket key belongs in: either the one already
// holding it, or the last bucket of its collision chain.
func (m *StringMap[V]) findBucket(key string) *stringBucket[V] {
	idx := int(xxhash.Sum64String(key) % uint64(m.numBuckets))
	b := &m.buckets[idx]
	for {
		if !b.occupied || m.keyEquals(b, key) {
			return b
		}
		if b.next == noNext {
			return b
		}
		b = shmpool.AtOffset[stringBucket[V]](m.pool, int(b.next))
	}
}

// InsertOrSet adds a new item to the map, or overwrites the value of an
// existing one with an equal key. A key already present is recognized by
// content, not by the byte buffer that happened to store it, so setting
// the same key repeatedly does not re-copy or leak a new buffer each time.
func (m *StringMap[V]) InsertOrSet(key string, value V) {
	m.lock.Lock()
	defer m.lock.Unlock()

	b := m.findBucket(key)
	if b.occupied && m.keyEquals(b, key) {
		b.value = value
		return
	}
	if b.occupied {
		newOff, ok := m.pool.Allocate(int(unsafe.Sizeof(stringBucket[V]{})))
		if !ok {
			panic("shmmap: pool exhausted while chaining a new bucket")
		}
		nb := shmpool.AtOffset[stringBucket[V]](m.pool, newOff)
		*nb = stringBucket[V]{next: noNext}
		b.next = int64(newOff)
		b = nb
	}

	keyOff, ok := m.pool.Allocate(len(key))
	if !ok {
		panic("shmmap: pool exhausted while copying a string key")
	}
	copy(shmpool.AtOffsetSlice[byte](m.pool, keyOff, len(key)), key)
	b.keyOffset = int64(keyOff)
	b.keyLen = int32(len(key))
	b.value = value
	b.occupied = true
}

// Get reports whether key is present, and its value if so.
func (m *StringMap[V]) Get(key string) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	b := m.findBucket(key)
	if !b.occupied || !m.keyEquals(b, key) {
		var zero V
		return zero, false
	}
	return b.value, true
}

// Free releases the map's header, bucket array, lock, every copied key
// buffer, and every chained bucket back to the pool.
func (m *StringMap[V]) Free() {
	bucketSize := int(unsafe.Sizeof(stringBucket[V]{}))
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.occupied && b.keyLen > 0 {
			m.pool.Free(int(b.keyOffset), int(b.keyLen))
		}
		next := b.next
		for next != noNext {
			nb := shmpool.AtOffset[stringBucket[V]](m.pool, int(next))
			if nb.occupied && nb.keyLen > 0 {
				m.pool.Free(int(nb.keyOffset), int(nb.keyLen))
			}
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
func (m *StringMap[V]) OffsetOf() int { return m.offset }
