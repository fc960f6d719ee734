// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmpool

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/tachyon-ipc/tachyon/internal/obslog"
	"github.com/tachyon-ipc/tachyon/shmmutex"
)

// Defaults mirror the original implementation's constants: a 64,000-byte
// segment of 128-byte blocks, named "/tachyon_core".
const (
	DefaultSegmentName = "/tachyon_core"
	DefaultSegmentSize = 64000
	DefaultBlockSize   = 128
)

// Options configures Open. The zero value is DefaultSegmentName /
// DefaultSegmentSize / DefaultBlockSize.
type Options struct {
	Name      string
	Size      int
	BlockSize int
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultSegmentName
	}
	if o.Size <= 0 {
		o.Size = DefaultSegmentSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	return o
}

// header lives at byte 0 of the segment. Every field here is read and
// written through the allocation lock except size/numBlocks/blockBytes,
// which are fixed for the life of the segment once a creator writes them.
type header struct {
	size           int64
	numBlocks      int64
	blockBytes     int64
	allocationLock shmmutex.Mutex
}

// Pool is a handle onto a mapped shared-memory segment: a header, a bitmap
// tracking which blocks are in use, and the data area the bitmap describes.
// A Pool must not be copied.
type Pool struct {
	opts   Options
	file   *os.File
	mem    []byte
	hdr    *header
	bitmap []byte
	data   []byte
}

// Open opens (creating if absent) the named shared-memory segment described
// by opts. If the segment already exists, opts.Size and opts.BlockSize must
// match the values it was created with, or offsets computed by this handle
// will not agree with a cooperating process' handle.
func Open(opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	path := segmentPath(opts.Name)

	dataSize := roundUp(opts.Size, opts.BlockSize)
	numBlocks := dataSize / opts.BlockSize
	blockBytes := (numBlocks + 7) / 8
	headerOverhead := roundUp(int(unsafe.Sizeof(header{}))+blockBytes, opts.BlockSize)
	totalSize := dataSize + headerOverhead

	file, created, err := openFile(path, totalSize)
	if err != nil {
		return nil, err
	}

	mem, err := mapSegment(file, totalSize)
	if err != nil {
		file.Close()
		return nil, err
	}

	p := &Pool{
		opts: opts,
		file: file,
		mem:  mem,
		hdr:  (*header)(unsafe.Pointer(&mem[0])),
	}
	p.bitmap = mem[unsafe.Sizeof(header{}):headerOverhead]
	p.data = mem[headerOverhead:]

	if created {
		p.hdr.size = int64(dataSize)
		p.hdr.numBlocks = int64(numBlocks)
		p.hdr.blockBytes = int64(blockBytes)
		clear(p.bitmap)
		obslog.Logger().Info().Str("path", path).Int("size", totalSize).Log("created shared-memory pool segment")
	} else {
		obslog.Logger().Info().Str("path", path).Log("attached to existing shared-memory pool segment")
	}

	return p, nil
}

var singleton = sync.OnceValue(func() *Pool {
	p, err := Open(Options{})
	if err != nil {
		// The default segment is this process's one chance at an IPC
		// substrate; there is no fallback to degrade to.
		panic(fmt.Sprintf("shmpool: acquire default segment: %v", err))
	}
	return p
})

// Acquire returns the process-wide Pool backed by the default segment,
// opening (and creating if absent) it on first call. Every subsequent call
// returns the same handle.
func Acquire() *Pool { return singleton() }

// Allocate reserves the smallest contiguous free run of blocks that fits
// bytes, by best-fit. It returns the run's starting offset and true, or
// (0, false) on exhaustion.
func (p *Pool) Allocate(bytes int) (offset int, ok bool) {
	need := p.blocksFor(bytes)
	p.hdr.allocationLock.Lock()
	defer p.hdr.allocationLock.Unlock()

	start, ok := bestFit(p.bitmap, int(p.hdr.numBlocks), need)
	if !ok {
		return 0, false
	}
	setRange(p.bitmap, start, start+need-1, true)
	return start * p.opts.BlockSize, true
}

// AllocateAt reserves exactly the blocks covering [offset, offset+bytes) if
// every one of them is currently free. Used for fixed-address rendezvous,
// e.g. a registry that must always sit at offset 0.
func (p *Pool) AllocateAt(offset, bytes int) (ok bool) {
	startBit, endBit := p.blockRange(offset, bytes)
	p.hdr.allocationLock.Lock()
	defer p.hdr.allocationLock.Unlock()

	if !bitsFree(p.bitmap, startBit, endBit) {
		return false
	}
	setRange(p.bitmap, startBit, endBit, true)
	return true
}

// Free releases the blocks covering [offset, offset+bytes). Freeing a range
// that is not fully allocated is a programmer error; it is not detected
// here.
func (p *Pool) Free(offset, bytes int) {
	startBit, endBit := p.blockRange(offset, bytes)
	p.hdr.allocationLock.Lock()
	defer p.hdr.allocationLock.Unlock()
	setRange(p.bitmap, startBit, endBit, false)
}

// IsUsed reports whether the block covering offset is currently allocated.
func (p *Pool) IsUsed(offset int) bool {
	bit := offset / p.opts.BlockSize
	return p.bitmap[bit>>3]&(1<<uint(bit&7)) != 0
}

// OffsetOf returns ptr's byte offset into the pool's data area.
func (p *Pool) OffsetOf(ptr unsafe.Pointer) int {
	return int(uintptr(ptr) - uintptr(unsafe.Pointer(&p.data[0])))
}

// AtOffset returns a *T aliasing the pool's data area at offset. The caller
// is responsible for ensuring offset was actually allocated with room for a
// T; this is the one place in the module that trusts a caller-supplied
// offset without re-validating it against the bitmap.
func AtOffset[T any](p *Pool, offset int) *T {
	return (*T)(unsafe.Pointer(&p.data[offset]))
}

// AtOffsetSlice returns a []T of length n aliasing the pool's data area
// starting at offset, the array counterpart of AtOffset.
func AtOffsetSlice[T any](p *Pool, offset, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&p.data[offset])), n)
}

// Clear zeroes the allocation bitmap, releasing every allocation. Intended
// for tests only.
func (p *Pool) Clear() {
	p.hdr.allocationLock.Lock()
	defer p.hdr.allocationLock.Unlock()
	clear(p.bitmap)
}

// Unlink removes the segment's name so the next Open starts fresh. The
// caller's own mapping remains valid until closed.
func (p *Pool) Unlink() error {
	return unlinkPath(segmentPath(p.opts.Name))
}

// Close unmaps the segment and closes the backing file descriptor. It does
// not unlink the segment name; other processes may still be attached.
func (p *Pool) Close() error {
	if err := unmapSegment(p.mem); err != nil {
		return err
	}
	return p.file.Close()
}

// DataSize returns the usable data region size in bytes.
func (p *Pool) DataSize() int { return int(p.hdr.size) }

func (p *Pool) blocksFor(bytes int) int {
	n := bytes / p.opts.BlockSize
	if bytes%p.opts.BlockSize != 0 {
		n++
	}
	return n
}

func (p *Pool) blockRange(offset, bytes int) (startBit, endBit int) {
	return offset / p.opts.BlockSize, (offset + bytes - 1) / p.opts.BlockSize
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return n + (multiple - n%multiple)
}
