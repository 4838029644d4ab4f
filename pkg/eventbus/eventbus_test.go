package eventbus

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(4)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(AgentUnhealthy{AgentId: "a1"})

	select {
	case evt := <-ch:
		if _, ok := evt.Payload.(AgentUnhealthy); !ok {
			t.Errorf("expected AgentUnhealthy payload, got %T", evt.Payload)
		}
	default:
		t.Errorf("expected an event to be queued")
	}
}

func TestPublishOverflowDropsOldest(t *testing.T) {
	b := New(2)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(AgentUnhealthy{AgentId: "1"})
	b.Publish(AgentUnhealthy{AgentId: "2"})
	b.Publish(AgentUnhealthy{AgentId: "3"})

	if b.DroppedEvents() != 1 {
		t.Errorf("expected 1 dropped event, got %d", b.DroppedEvents())
	}

	first := <-ch
	if p := first.Payload.(AgentUnhealthy); p.AgentId != "2" {
		t.Errorf("expected oldest surviving event to be agent 2, got %v", p.AgentId)
	}
	second := <-ch
	if p := second.Payload.(AgentUnhealthy); p.AgentId != "3" {
		t.Errorf("expected second event to be agent 3, got %v", p.AgentId)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	ch, unsubscribe := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	unsubscribe()
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Errorf("expected channel closed after unsubscribe")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New(4)
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(AgentUnhealthy{AgentId: "x"})

	if len(ch1) != 1 || len(ch2) != 1 {
		t.Errorf("expected both subscribers to have 1 queued event, got %d and %d", len(ch1), len(ch2))
	}
}
