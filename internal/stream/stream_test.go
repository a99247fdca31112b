package stream

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	s.Publish(ChangeEvent{Table: "trips", Action: "UPDATE", RecordID: "t1"})

	select {
	case evt := <-ch:
		if evt.Table != "trips" || evt.Action != "UPDATE" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp must be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if got := s.SubscriberCount(); got != 0 {
					t.Fatalf("subscriber leaked: %d", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Subscribe(ctx) // never drained
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(ChangeEvent{Table: "trips", Action: "INSERT"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
