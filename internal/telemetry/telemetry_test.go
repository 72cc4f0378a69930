package telemetry

import "testing"

func TestGenerateClientIDIsUnique(t *testing.T) {
	a := generateClientID("wf")
	b := generateClientID("wf")
	if a == b {
		t.Fatalf("expected distinct client IDs, got %q twice", a)
	}
	if len(a) <= len("wf-") {
		t.Fatalf("client ID %q looks too short", a)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	p := &Publisher{
		cfg:   Config{Origin: "test", TopicPrefix: "waterfall"},
		queue: make(chan event, 1),
		done:  make(chan struct{}),
	}

	p.enqueue("tile_written") // fills the queue
	p.enqueue("overrun")      // should be dropped, not block

	select {
	case ev := <-p.queue:
		if ev.Kind != "tile_written" {
			t.Fatalf("expected first queued event to survive, got %q", ev.Kind)
		}
	default:
		t.Fatal("expected one event in the queue")
	}

	select {
	case ev := <-p.queue:
		t.Fatalf("expected queue to be empty after drain, found %v", ev)
	default:
	}
}

func TestObserverNoOpsDoNotPanic(t *testing.T) {
	p := &Publisher{
		cfg:   Config{Origin: "test"},
		queue: make(chan event, 4),
		done:  make(chan struct{}),
	}
	p.RowPushed()
	p.SnapshotReserved()
}
