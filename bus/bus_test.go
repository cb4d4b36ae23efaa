package bus

import "testing"

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()

	var got []int
	b.Subscribe("tick", func(ev Event) { got = append(got, 1) })
	b.Subscribe("tick", func(ev Event) { got = append(got, 2) })
	b.SubscribeAll(func(ev Event) { got = append(got, 3) })

	b.Publish("tick", nil, "test")

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("unexpected delivery order: %v", got)
	}
}

func TestPublishUnrelatedNameNotDelivered(t *testing.T) {
	b := New()

	called := false
	b.Subscribe("a", func(ev Event) { called = true })

	b.Publish("b", nil, "test")

	if called {
		t.Error("handler for a should not fire on b")
	}
}

func TestPanickingHandlerDoesNotStallDispatch(t *testing.T) {
	b := New()

	delivered := false
	b.Subscribe("tick", func(ev Event) { panic("boom") })
	b.Subscribe("tick", func(ev Event) { delivered = true })

	b.Publish("tick", nil, "test")

	if !delivered {
		t.Error("second handler should run after first panics")
	}
}

func TestEventCarriesPayload(t *testing.T) {
	b := New()

	var seen Event
	b.Subscribe("message.received", func(ev Event) { seen = ev })

	b.Publish("message.received", map[string]any{"user_id": "qq:1"}, "adapter")

	if seen.Data["user_id"] != "qq:1" {
		t.Errorf("payload not delivered: %+v", seen)
	}
	if seen.Source != "adapter" {
		t.Errorf("source not delivered: %q", seen.Source)
	}
	if seen.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}
