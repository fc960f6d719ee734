// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunk

import (
	"fmt"
	"os"
	"testing"

	"github.com/tachyon-ipc/tachyon/shmpool"
	"github.com/tachyon-ipc/tachyon/shmqueue"
)

func openTestPool(t *testing.T) *shmpool.Pool {
	t.Helper()
	name := fmt.Sprintf("/tachyon_chunk_test_%d_%s", os.Getpid(), t.Name())
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

func newTestQueue(t *testing.T, p *shmpool.Pool) *shmqueue.Queue[payload] {
	t.Helper()
	q, ok := shmqueue.Create[payload](p, true, 8)
	if !ok {
		t.Fatal("shmqueue.Create")
	}
	return q
}

func TestChunkSetValueCopies(t *testing.T) {
	p := openTestPool(t)
	c := New(p, 3)

	data := []float32{1, 2, 3}
	grad := []float32{0.1, 0.2, 0.3}
	c.SetValue(data, grad)

	data[0] = 999 // mutate after SetValue; the chunk must have its own copy
	if c.Data()[0] != 1 {
		t.Fatalf("Data()[0] = %v, want 1 (SetValue should copy, not alias)", c.Data()[0])
	}
}

func TestChunkSetValueNoCopyAliases(t *testing.T) {
	p := openTestPool(t)
	c := New(p, 3)

	data := []float32{1, 2, 3}
	grad := []float32{0.1, 0.2, 0.3}
	c.SetValueNoCopy(data, grad)

	data[0] = 999
	if c.Data()[0] != 999 {
		t.Fatalf("Data()[0] = %v, want 999 (SetValueNoCopy should alias)", c.Data()[0])
	}
}

func TestChunkSerializeRoundTrip(t *testing.T) {
	p := openTestPool(t)
	c := NewWithValue(p, []float32{1.5, -2.5, 3.25}, []float32{0.1, 0.2, 0.3})

	buf := make([]byte, c.SerializedLen())
	c.Serialize(buf)

	restored := NewFromSerialized(p, buf)
	if len(restored.Data()) != 3 {
		t.Fatalf("len(Data()) = %d, want 3", len(restored.Data()))
	}
	for i, want := range []float32{1.5, -2.5, 3.25} {
		if restored.Data()[i] != want {
			t.Fatalf("Data()[%d] = %v, want %v", i, restored.Data()[i], want)
		}
	}
	for i, want := range []float32{0.1, 0.2, 0.3} {
		if restored.Gradients()[i] != want {
			t.Fatalf("Gradients()[%d] = %v, want %v", i, restored.Gradients()[i], want)
		}
	}
}

func TestChunkEnqueueDequeueRoundTrip(t *testing.T) {
	p := openTestPool(t)
	q := newTestQueue(t, p)

	sent := NewWithValue(p, []float32{4, 5, 6}, []float32{0.4, 0.5, 0.6})
	if !sent.Enqueue(q) {
		t.Fatal("Enqueue: expected success")
	}

	received := New(p, 0)
	if !received.Dequeue(q) {
		t.Fatal("Dequeue: expected success")
	}
	for i, want := range []float32{4, 5, 6} {
		if received.Data()[i] != want {
			t.Fatalf("Data()[%d] = %v, want %v", i, received.Data()[i], want)
		}
	}
	for i, want := range []float32{0.4, 0.5, 0.6} {
		if received.Gradients()[i] != want {
			t.Fatalf("Gradients()[%d] = %v, want %v", i, received.Gradients()[i], want)
		}
	}
}

func TestChunkDequeueOnEmptyQueueFails(t *testing.T) {
	p := openTestPool(t)
	q := newTestQueue(t, p)

	c := New(p, 0)
	if c.Dequeue(q) {
		t.Fatal("Dequeue: expected failure, queue is empty")
	}
}
