// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunk

import (
	"encoding/binary"
	"math"

	"github.com/tachyon-ipc/tachyon/shmpool"
	"github.com/tachyon-ipc/tachyon/shmqueue"
)

// payload is the flat, pool-offset-based value actually carried over a
// Queue[payload]: a Chunk's own data/gradients live in ordinary Go slices
// and only visit the pool for the duration of one Enqueue/Dequeue.
type payload struct {
	dataOffset int64
	gradOffset int64
	size       int32
}

const floatSize = 4

// Chunk is a fixed-size pair of float32 arrays, a value and its gradient,
// the unit of data this module moves between processes.
type Chunk struct {
	pool      *shmpool.Pool
	data      []float32
	gradients []float32
}

// New creates a zero-valued chunk of the given size.
func New(pool *shmpool.Pool, size int) *Chunk {
	return &Chunk{pool: pool, data: make([]float32, size), gradients: make([]float32, size)}
}

// NewWithValue creates a chunk initialized by copying data and gradients,
// which must be the same length.
func NewWithValue(pool *shmpool.Pool, data, gradients []float32) *Chunk {
	c := New(pool, len(data))
	c.SetValue(data, gradients)
	return c
}

// NewFromSerialized reconstructs a chunk from the byte buffer a prior
// Serialize call produced.
func NewFromSerialized(pool *shmpool.Pool, buffer []byte) *Chunk {
	size := int(binary.BigEndian.Uint32(buffer))
	buffer = buffer[4:]

	c := New(pool, size)
	for i := 0; i < size; i++ {
		c.data[i] = math.Float32frombits(binary.BigEndian.Uint32(buffer[i*floatSize:]))
	}
	gradStart := size * floatSize
	for i := 0; i < size; i++ {
		c.gradients[i] = math.Float32frombits(binary.BigEndian.Uint32(buffer[gradStart+i*floatSize:]))
	}
	return c
}

// SetValue copies data and gradients into the chunk's own storage. If the
// chunk is currently aliasing external storage set with SetValueNoCopy, it
// switches back to owned storage; the external arrays are left untouched.
func (c *Chunk) SetValue(data, gradients []float32) {
	c.data = make([]float32, len(data))
	c.gradients = make([]float32, len(data))
	copy(c.data, data)
	copy(c.gradients, gradients)
}

// SetValueNoCopy points the chunk directly at externally-owned arrays
// instead of copying into its own storage. The caller retains ownership;
// the chunk does not take a copy and will alias whatever the caller does
// to these slices afterward.
func (c *Chunk) SetValueNoCopy(data, gradients []float32) {
	c.data = data
	c.gradients = gradients
}

// Data returns the chunk's data array.
func (c *Chunk) Data() []float32 { return c.data }

// Gradients returns the chunk's gradient array.
func (c *Chunk) Gradients() []float32 { return c.gradients }

// SerializedLen returns the number of bytes Serialize will write.
func (c *Chunk) SerializedLen() int {
	return 4 + len(c.data)*floatSize*2
}

// Serialize writes the chunk's size, data, and gradients into buffer in
// network byte order, which must be at least SerializedLen() bytes.
func (c *Chunk) Serialize(buffer []byte) {
	binary.BigEndian.PutUint32(buffer, uint32(len(c.data)))
	buffer = buffer[4:]

	for i, v := range c.data {
		binary.BigEndian.PutUint32(buffer[i*floatSize:], math.Float32bits(v))
	}
	gradStart := len(c.data) * floatSize
	for i, v := range c.gradients {
		binary.BigEndian.PutUint32(buffer[gradStart+i*floatSize:], math.Float32bits(v))
	}
}

// Enqueue copies the chunk's data into pool storage and adds it to queue,
// returning false and freeing that storage again if the queue was full.
func (c *Chunk) Enqueue(q *shmqueue.Queue[payload]) bool {
	p, ok := c.place()
	if !ok {
		panic("chunk: pool exhausted while enqueuing")
	}
	if !q.Enqueue(p) {
		c.release(p)
		return false
	}
	return true
}

// EnqueueBlocking is Enqueue, but blocks until room is available instead of
// returning false. If the queue has no consumers, nothing is enqueued and
// the pool storage is freed again.
func (c *Chunk) EnqueueBlocking(q *shmqueue.Queue[payload]) {
	p, ok := c.place()
	if !ok {
		panic("chunk: pool exhausted while enqueuing")
	}
	if !q.EnqueueBlocking(p) {
		c.release(p)
	}
}

// Dequeue replaces the chunk's contents with the next item from queue,
// returning false and leaving the chunk unchanged if the queue was empty.
func (c *Chunk) Dequeue(q *shmqueue.Queue[payload]) bool {
	p, ok := q.Dequeue()
	if !ok {
		return false
	}
	c.absorb(p)
	return true
}

// DequeueBlocking is Dequeue, but blocks until an item is available instead
// of returning false.
func (c *Chunk) DequeueBlocking(q *shmqueue.Queue[payload]) {
	c.absorb(q.DequeueBlocking())
}

// place copies the chunk's data and gradients into pool storage and
// returns the offset pair that refers to them.
func (c *Chunk) place() (payload, bool) {
	size := len(c.data)
	dataOff, ok := c.pool.Allocate(size * floatSize)
	if !ok {
		return payload{}, false
	}
	gradOff, ok := c.pool.Allocate(size * floatSize)
	if !ok {
		c.pool.Free(dataOff, size*floatSize)
		return payload{}, false
	}
	copy(shmpool.AtOffsetSlice[float32](c.pool, dataOff, size), c.data)
	copy(shmpool.AtOffsetSlice[float32](c.pool, gradOff, size), c.gradients)
	return payload{dataOffset: int64(dataOff), gradOffset: int64(gradOff), size: int32(size)}, true
}

// release frees the pool storage a place call claimed, for when the queue
// turned out to be full.
func (c *Chunk) release(p payload) {
	size := int(p.size)
	c.pool.Free(int(p.dataOffset), size*floatSize)
	c.pool.Free(int(p.gradOffset), size*floatSize)
}

// absorb copies a dequeued payload's pool data into the chunk's own
// storage and frees the pool storage.
func (c *Chunk) absorb(p payload) {
	size := int(p.size)
	if len(c.data) != size {
		c.data = make([]float32, size)
		c.gradients = make([]float32, size)
	}
	copy(c.data, shmpool.AtOffsetSlice[float32](c.pool, int(p.dataOffset), size))
	copy(c.gradients, shmpool.AtOffsetSlice[float32](c.pool, int(p.gradOffset), size))
	c.release(p)
}
