// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmqueue_test

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tachyon-ipc/tachyon/shmpool"
	"github.com/tachyon-ipc/tachyon/shmqueue"
)

func openTestPool(t *testing.T) *shmpool.Pool {
	t.Helper()
	name := fmt.Sprintf("/tachyon_queue_test_%d_%s", os.Getpid(), t.Name())
	p, err := shmpool.Open(shmpool.Options{Name: name, Size: 1 << 21})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		p.Unlink()
		p.Close()
	})
	return p
}

func TestQueueSingleConsumerRoundTrip(t *testing.T) {
	p := openTestPool(t)
	q, ok := shmqueue.Create[int64](p, true, 8)
	if !ok {
		t.Fatal("Create")
	}

	if !q.Enqueue(42) {
		t.Fatal("Enqueue: expected success")
	}
	v, ok := q.Dequeue()
	if !ok || v != 42 {
		t.Fatalf("Dequeue = (%d, %v), want (42, true)", v, ok)
	}
}

func TestQueueEnqueueWithNoConsumersFails(t *testing.T) {
	p := openTestPool(t)
	q, ok := shmqueue.Create[int64](p, false, 8)
	if !ok {
		t.Fatal("Create")
	}
	if q.Enqueue(1) {
		t.Fatal("Enqueue: expected failure, there are no consumers")
	}
}

// TestQueueBroadcastsToEveryConsumer is the defining behavior: every live
// consumer handle must see every enqueued item, not just one of them.
func TestQueueBroadcastsToEveryConsumer(t *testing.T) {
	p := openTestPool(t)
	producer, ok := shmqueue.Create[int64](p, false, 8)
	if !ok {
		t.Fatal("Create")
	}
	offset := producer.OffsetOf()

	c1 := shmqueue.Load[int64](p, true, offset)
	c2 := shmqueue.Load[int64](p, true, offset)
	c3 := shmqueue.Load[int64](p, true, offset)

	if !producer.Enqueue(7) {
		t.Fatal("Enqueue: expected success with three consumers live")
	}

	for i, c := range []*shmqueue.Queue[int64]{c1, c2, c3} {
		v, ok := c.Dequeue()
		if !ok || v != 7 {
			t.Fatalf("consumer %d Dequeue = (%d, %v), want (7, true)", i, v, ok)
		}
	}
}

// TestQueueCloseRemovesConsumerFromBroadcast checks that once one of two
// consumers closes, a producer's subsequent incorporateNewSubqueues-driven
// Enqueue no longer waits on or targets that consumer's now-freed
// subqueue, and broadcast to the surviving consumer keeps working.
func TestQueueCloseRemovesConsumerFromBroadcast(t *testing.T) {
	p := openTestPool(t)
	producer, ok := shmqueue.Create[int64](p, false, 128)
	if !ok {
		t.Fatal("Create")
	}
	offset := producer.OffsetOf()

	staying := shmqueue.Load[int64](p, true, offset)
	leaving := shmqueue.Load[int64](p, true, offset)

	if !producer.Enqueue(1) {
		t.Fatal("Enqueue #1: expected success")
	}
	leaving.Close()

	v, ok := staying.Dequeue()
	if !ok || v != 1 {
		t.Fatalf("Dequeue = (%d, %v), want (1, true)", v, ok)
	}

	// Enqueue more than twice the closed consumer's 128-slot subqueue
	// capacity while the surviving consumer drains as it goes; if Close had
	// not removed it from the broadcast set, a non-blocking Enqueue would
	// fail once that subqueue filled, since nothing ever drains it again.
	for i := 0; i < 300; i++ {
		if !producer.Enqueue(int64(i)) {
			t.Fatalf("Enqueue #%d: expected success after the other consumer closed", i)
		}
		if v, ok := staying.Dequeue(); !ok || v != int64(i) {
			t.Fatalf("Dequeue #%d = (%d, %v), want (%d, true)", i, v, ok, i)
		}
	}

	if n := producer.NumConsumers(); n != 1 {
		t.Fatalf("NumConsumers = %d, want 1", n)
	}
}

func TestQueueFetchByNameReturnsSameQueue(t *testing.T) {
	p := openTestPool(t)
	q1 := shmqueue.Fetch[int64](p, "events")
	q2 := shmqueue.FetchProducer[int64](p, "events")

	if !q2.Enqueue(99) {
		t.Fatal("Enqueue: expected success")
	}
	v, ok := q1.Dequeue()
	if !ok || v != 99 {
		t.Fatalf("Dequeue = (%d, %v), want (99, true)", v, ok)
	}
}

func TestQueueFetchDifferentNamesAreDistinct(t *testing.T) {
	p := openTestPool(t)
	a := shmqueue.Fetch[int64](p, "queue-a")
	b := shmqueue.Fetch[int64](p, "queue-b")

	if a.OffsetOf() == b.OffsetOf() {
		t.Fatal("differently-named queues resolved to the same offset")
	}
}

func TestQueueBlockingConsumerWakesOnEnqueue(t *testing.T) {
	p := openTestPool(t)
	producer, ok := shmqueue.Create[int64](p, false, 4)
	if !ok {
		t.Fatal("Create")
	}
	consumer := shmqueue.Load[int64](p, true, producer.OffsetOf())

	result := make(chan int64, 1)
	go func() {
		result <- consumer.DequeueBlocking()
	}()

	time.Sleep(20 * time.Millisecond)
	if !producer.EnqueueBlocking(321) {
		t.Fatal("EnqueueBlocking: expected success")
	}

	select {
	case v := <-result:
		if v != 321 {
			t.Fatalf("DequeueBlocking = %d, want 321", v)
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueBlocking never woke after EnqueueBlocking")
	}
}

func TestQueueNumConsumers(t *testing.T) {
	p := openTestPool(t)
	producer, ok := shmqueue.Create[int64](p, false, 4)
	if !ok {
		t.Fatal("Create")
	}
	if n := producer.NumConsumers(); n != 0 {
		t.Fatalf("NumConsumers = %d, want 0", n)
	}

	c1 := shmqueue.Load[int64](p, true, producer.OffsetOf())
	producer.Enqueue(0) // forces incorporateNewSubqueues to see c1
	if n := producer.NumConsumers(); n != 1 {
		t.Fatalf("NumConsumers = %d, want 1", n)
	}
	c1.Dequeue()

	c2 := shmqueue.Load[int64](p, true, producer.OffsetOf())
	producer.Enqueue(0)
	if n := producer.NumConsumers(); n != 2 {
		t.Fatalf("NumConsumers = %d, want 2", n)
	}
	c1.Dequeue()
	c2.Dequeue()
}

func TestQueueConcurrentProducersAllDeliveredOnce(t *testing.T) {
	p := openTestPool(t)
	producer, ok := shmqueue.Create[int64](p, false, 64)
	if !ok {
		t.Fatal("Create")
	}
	consumer := shmqueue.Load[int64](p, true, producer.OffsetOf())

	const producers = 8
	const perProducer = 500
	const total = producers * perProducer

	var wg sync.WaitGroup
	for pid := 0; pid < producers; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			// Each goroutine gets its own handle: a Queue instance is not
			// safe to share across goroutines (writable/lastNumSubqueues
			// are unsynchronized handle-local bookkeeping), the same
			// restriction the original implementation documents.
			own := shmqueue.Load[int64](p, false, producer.OffsetOf())
			for i := 0; i < perProducer; i++ {
				for !own.Enqueue(int64(pid*perProducer + i)) {
					time.Sleep(time.Microsecond)
				}
			}
		}(pid)
	}

	seen := make(map[int64]bool, total)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(seen) < total {
			if v, ok := consumer.Dequeue(); ok {
				if seen[v] {
					t.Errorf("value %d delivered twice", v)
				}
				seen[v] = true
			} else {
				time.Sleep(time.Microsecond)
			}
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("consumer never drained all produced values")
	}
}
