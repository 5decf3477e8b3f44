package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var gotA, gotB any

	doneA := make(chan struct{})
	doneB := make(chan struct{})

	b.Subscribe("topic", func(payload any) {
		mu.Lock()
		gotA = payload
		mu.Unlock()
		close(doneA)
	})
	b.Subscribe("topic", func(payload any) {
		mu.Lock()
		gotB = payload
		mu.Unlock()
		close(doneB)
	})

	b.Publish("topic", "hello")

	waitOrTimeout(t, doneA)
	waitOrTimeout(t, doneB)

	mu.Lock()
	defer mu.Unlock()
	if gotA != "hello" || gotB != "hello" {
		t.Errorf("expected both subscribers to receive payload, got %v %v", gotA, gotB)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var count int
	var mu sync.Mutex

	unsub := b.Subscribe("topic", func(payload any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish("topic", 1)
	time.Sleep(20 * time.Millisecond)

	unsub()
	time.Sleep(5 * time.Millisecond)

	b.Publish("topic", 2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()

	block := make(chan struct{})
	b.Subscribe("topic", func(payload any) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*3; i++ {
			b.Publish("topic", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	if b.SubscriberCount("topic") != 0 {
		t.Fatal("expected 0 subscribers initially")
	}
	unsub := b.Subscribe("topic", func(any) {})
	if b.SubscriberCount("topic") != 1 {
		t.Fatal("expected 1 subscriber after Subscribe")
	}
	unsub()
	time.Sleep(5 * time.Millisecond)
	if b.SubscriberCount("topic") != 0 {
		t.Fatal("expected 0 subscribers after Unsubscribe")
	}
}

func waitOrTimeout(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
