package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobCompleted, Data: JobEvent{JobID: "j1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != JobCompleted || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
			if je, ok := e.Data.(JobEvent); !ok || je.JobID != "j1" {
				t.Fatalf("unexpected data %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobFailed})
	if got := len(ch); got != 1 {
		t.Fatalf("buffered %d events, want 1", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: JobStarted})
}
