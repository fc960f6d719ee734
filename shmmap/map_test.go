// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmmap_test

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/tachyon-ipc/tachyon/shmmap"
	"github.com/tachyon-ipc/tachyon/shmpool"
)

func openTestPool(t *testing.T) *shmpool.Pool {
	t.Helper()
	name := fmt.Sprintf("/tachyon_map_test_%d_%s", os.Getpid(), t.Name())
	p, err := shmpool.Open(shmpool.Options{Name: name, Size: 1 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		p.Unlink()
		p.Close()
	})
	return p
}

func TestMapInsertGetRoundTrip(t *testing.T) {
	p := openTestPool(t)
	m, ok := shmmap.Create[int64, int64](p, 8)
	if !ok {
		t.Fatal("Create")
	}

	m.InsertOrSet(1, 100)
	m.InsertOrSet(2, 200)

	v, ok := m.Get(1)
	if !ok || v != 100 {
		t.Fatalf("Get(1) = (%d, %v), want (100, true)", v, ok)
	}
	v, ok = m.Get(2)
	if !ok || v != 200 {
		t.Fatalf("Get(2) = (%d, %v), want (200, true)", v, ok)
	}
	if _, ok := m.Get(3); ok {
		t.Fatal("Get(3): expected false, key was never inserted")
	}
}

func TestMapInsertOrSetOverwrites(t *testing.T) {
	p := openTestPool(t)
	m, ok := shmmap.Create[int64, int64](p, 8)
	if !ok {
		t.Fatal("Create")
	}

	m.InsertOrSet(1, 100)
	m.InsertOrSet(1, 999)

	v, ok := m.Get(1)
	if !ok || v != 999 {
		t.Fatalf("Get(1) = (%d, %v), want (999, true)", v, ok)
	}
}

// TestMapCollisionChaining forces every key into the same bucket (a single
// bucket map) and checks that the collision chain still distinguishes them.
func TestMapCollisionChaining(t *testing.T) {
	p := openTestPool(t)
	m, ok := shmmap.Create[int64, int64](p, 1)
	if !ok {
		t.Fatal("Create")
	}

	for i := int64(0); i < 20; i++ {
		m.InsertOrSet(i, i*10)
	}
	for i := int64(0); i < 20; i++ {
		v, ok := m.Get(i)
		if !ok || v != i*10 {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", i, v, ok, i*10)
		}
	}
}

func TestMapOpenAttachesToSameData(t *testing.T) {
	p := openTestPool(t)
	m1, ok := shmmap.Open[int64, int64](p, 4096, 8)
	if !ok {
		t.Fatal("Open (first)")
	}
	m1.InsertOrSet(5, 555)

	m2, ok := shmmap.Open[int64, int64](p, 4096, 8)
	if !ok {
		t.Fatal("Open (second)")
	}
	v, ok := m2.Get(5)
	if !ok || v != 555 {
		t.Fatalf("Get via second handle = (%d, %v), want (555, true)", v, ok)
	}
}

func TestMapFreeReleasesAllocations(t *testing.T) {
	p := openTestPool(t)
	m, ok := shmmap.Create[int64, int64](p, 4)
	if !ok {
		t.Fatal("Create")
	}
	for i := int64(0); i < 16; i++ {
		m.InsertOrSet(i, i)
	}

	before, ok := p.Allocate(1)
	if !ok {
		t.Fatal("pool unexpectedly already exhausted")
	}
	p.Free(before, 1)

	m.Free()

	// After freeing every block the map held, the pool should be able to
	// hand out the same amount of space again.
	offset, ok := p.Allocate(p.DataSize())
	if !ok {
		t.Fatal("pool did not reclaim the map's blocks")
	}
	p.Free(offset, p.DataSize())
}

func TestMapConcurrentInsertDistinctKeys(t *testing.T) {
	p := openTestPool(t)
	m, ok := shmmap.Create[int64, int64](p, 32)
	if !ok {
		t.Fatal("Create")
	}

	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := int64(w*perWorker + i)
				m.InsertOrSet(key, key*2)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := int64(w*perWorker + i)
			v, ok := m.Get(key)
			if !ok || v != key*2 {
				t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", key, v, ok, key*2)
			}
		}
	}
}
