package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"naira-ramp/internal/logging"
)

type recordingBackend struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) Deliver(ctx context.Context, e Event) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("backend down")
	}
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestInboxKeepsNewestFirst(t *testing.T) {
	in := NewInbox(2)
	in.Notify(Event{ID: "a", Type: LatePayment})
	in.Notify(Event{ID: "b", Type: LatePayment})
	in.Notify(Event{ID: "c", Type: PayoutFailed})

	got := in.List(false, 0)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected inbox %+v", got)
	}
	if !in.MarkRead("b") {
		t.Fatal("expected b to exist")
	}
	if in.MarkRead("a") {
		t.Fatal("evicted event should not be found")
	}
	unread := in.List(true, 0)
	if len(unread) != 1 || unread[0].ID != "c" {
		t.Fatalf("unexpected unread %+v", unread)
	}
	if in.Count(LatePayment) != 1 {
		t.Fatalf("expected one late payment event")
	}
}

func TestDispatcherDelivers(t *testing.T) {
	backend := &recordingBackend{}
	in := NewInbox(10)
	d := NewDispatcher(DispatcherConfig{}, in, logging.Discard(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(Event{Type: OnRampAwaitingApproval, CorrelationID: "s1", Message: "approve me"})
	deadline := time.Now().Add(time.Second)
	for backend.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if backend.count() != 1 {
		t.Fatalf("expected delivery, got %d", backend.count())
	}
	events := in.List(false, 0)
	if len(events) != 1 || events[0].ID == "" || events[0].CreatedAt.IsZero() {
		t.Fatalf("event not stamped: %+v", events)
	}
}

func TestDispatcherNeverBlocks(t *testing.T) {
	backend := &recordingBackend{block: make(chan struct{})}
	defer close(backend.block)
	d := NewDispatcher(DispatcherConfig{QueueSize: 1}, NewInbox(10), logging.Discard(), backend)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Notify(Event{Type: ReconMismatch})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked with a full queue")
	}
}

func TestDispatcherSurvivesBackendFailure(t *testing.T) {
	failing := &recordingBackend{fail: true}
	healthy := &recordingBackend{}
	d := NewDispatcher(DispatcherConfig{}, nil, logging.Discard(), failing, healthy)

	d.deliver(context.Background(), Event{Type: PayoutFailed})
	if healthy.count() != 1 {
		t.Fatal("healthy backend should still receive the event")
	}
}
