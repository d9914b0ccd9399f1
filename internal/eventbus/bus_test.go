package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeTaskCompleted, Data: TaskOutcome{ID: "t1"}})

	for name, ch := range map[string]<-chan Event{"a": a, "c": c} {
		select {
		case e := <-ch:
			if e.Type != TypeTaskCompleted {
				t.Fatalf("%s: type = %s", name, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("%s: publish did not stamp time", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event", name)
		}
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1) // never drained
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeScheduleFired})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeDuringPublishIsSafe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	_ = ch

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: TypeTaskRetrying})
		}
	}()
	unsub()
	unsub() // idempotent
	<-done

	b.Publish(Event{Type: TypeTaskRetrying}) // after close, still safe
}
