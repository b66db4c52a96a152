package events

import (
	"testing"
	"time"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventWorkerQuarantined, Region: "us-east", Message: "gpu reset failed"})

	select {
	case ev := <-sub:
		if ev.Type != EventWorkerQuarantined {
			t.Errorf("expected %s, got %s", EventWorkerQuarantined, ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishOnNilBrokerIsNoop(t *testing.T) {
	var b *Broker
	b.Publish(&Event{Type: EventScaleAction}) // must not panic
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}
