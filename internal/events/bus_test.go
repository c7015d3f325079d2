package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(func(e Event) {
		received <- e
	}, EventTaskStarted)
	defer unsub()

	bus.Publish(NewTypedEvent(SourceWorker, TaskStartedPayload{
		TaskID:   "task_abc",
		WorkerID: "wrk_1",
		Budget:   500,
	}))

	select {
	case e := <-received:
		if e.Type != EventTaskStarted {
			t.Errorf("Type: got %q, want %q", e.Type, EventTaskStarted)
		}
		p, ok := PayloadAs[TaskStartedPayload](e)
		if !ok {
			t.Fatal("PayloadAs failed")
		}
		if p.TaskID != "task_abc" || p.Budget != 500 {
			t.Errorf("payload: got %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusTypeFiltering(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	received := make(chan Event, 4)
	unsub := bus.Subscribe(func(e Event) {
		received <- e
	}, EventDegradation)
	defer unsub()

	bus.Publish(NewTypedEvent(SourceWorker, TaskStartedPayload{TaskID: "task_x"}))
	bus.Publish(NewTypedEvent(SourceMonitor, DegradationPayload{
		Kind:   DegradePoisoned,
		Detail: "schema violation",
		Healed: true,
	}))

	select {
	case e := <-received:
		if e.Type != EventDegradation {
			t.Fatalf("got filtered-out event type %q", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for degradation event")
	}

	select {
	case e := <-received:
		t.Fatalf("unexpected second event %q", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(NewTypedEvent(SourcePhase, PhaseEnteredPayload{Phase: "analysis"}))
	}

	// Dispatch is async; give the loop a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bus.History(10)) == 5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := bus.History(10)
	if len(got) != 5 {
		t.Fatalf("History: got %d events, want 5", len(got))
	}
}

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Event{ID: string(rune('a' + i))})
	}

	got := rb.Get(3)
	if len(got) != 3 {
		t.Fatalf("Get: got %d, want 3", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "e" {
		t.Errorf("ring order: got %q..%q, want c..e", got[0].ID, got[2].ID)
	}
}

func TestPayloadAsTypeMismatch(t *testing.T) {
	e := NewTypedEvent(SourceWorker, TaskStartedPayload{TaskID: "task_y"})
	if _, ok := PayloadAs[DegradationPayload](e); ok {
		t.Fatal("expected type mismatch to fail")
	}
}
