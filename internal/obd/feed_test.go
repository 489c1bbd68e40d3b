package obd

import (
	"context"
	"testing"
	"time"
)

func TestFeedSubscribeGetsCurrentValue(t *testing.T) {
	f := NewFeed(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx)
	if v := <-ch; v != 1 {
		t.Fatalf("first value = %d, want 1", v)
	}
	f.Publish(2)
	if v := <-ch; v != 2 {
		t.Fatalf("next value = %d, want 2", v)
	}
	if f.Latest() != 2 {
		t.Fatalf("Latest = %d", f.Latest())
	}
}

func TestFeedSlowSubscriberSeesLatest(t *testing.T) {
	f := NewFeed(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx)
	for i := 1; i <= 10; i++ {
		f.Publish(i)
	}
	if v := <-ch; v != 10 {
		t.Fatalf("value = %d, want latest 10", v)
	}
}

func TestFeedClosesOnCancel(t *testing.T) {
	f := NewFeed("x")
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A publish may have raced the cancel; the close must follow.
			if _, ok := <-ch; ok {
				t.Fatalf("channel still open after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
	f.Publish("y")
}
