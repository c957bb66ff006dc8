package outbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_SlowHandlerDoesNotBlockOtherRelays(t *testing.T) {
	box := NewMemoryStore()
	box.Enqueue("dispute.filed", map[string]any{"n": 1})
	box.Enqueue("dispute.filed", map[string]any{"n": 2})

	started := make(chan int64, 1)
	release := make(chan struct{})
	slowDone := make(chan Report, 1)
	go func() {
		report, _ := box.Process(context.Background(), 1, 3, func(_ context.Context, m Message) error {
			started <- m.ID
			<-release
			return nil
		})
		slowDone <- report
	}()

	var slowID int64
	select {
	case slowID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow relay never started")
	}

	var fastID int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = box.Process(context.Background(), 1, 3, func(_ context.Context, m Message) error {
			fastID = m.ID
			return nil
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second relay blocked behind the slow handler")
	}
	if fastID == 0 || fastID == slowID {
		t.Fatalf("second relay should claim the other row, got %d (slow has %d)", fastID, slowID)
	}

	close(release)
	if report := <-slowDone; report.Processed != 1 {
		t.Fatalf("slow relay report %+v", report)
	}
	if box.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", box.Pending())
	}
}

func TestMemoryStore_CancelledPassReleasesUnhandledRows(t *testing.T) {
	box := NewMemoryStore()
	for i := 0; i < 3; i++ {
		box.Enqueue("dispute.status_changed", map[string]any{"n": i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	handled := 0
	report, err := box.Process(ctx, 10, 3, func(context.Context, Message) error {
		handled++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if handled != 1 || report.Processed != 1 {
		t.Fatalf("expected one handled row, got handled=%d report=%+v", handled, report)
	}

	// The two unhandled rows are claimable again straight away.
	again, err := box.Process(context.Background(), 10, 3, func(context.Context, Message) error { return nil })
	if err != nil || again.Claimed != 2 || again.Processed != 2 {
		t.Fatalf("expected released rows to be relayed, got %+v %v", again, err)
	}
}
