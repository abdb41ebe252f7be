package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeDrainer hands out queued events in batches and records which ones
// were reported published.
type fakeDrainer struct {
	mu        sync.Mutex
	pending   []OutboxEvent
	published []uuid.UUID
	drains    int
	err       error
}

func (d *fakeDrainer) add(events ...OutboxEvent) {
	d.mu.Lock()
	d.pending = append(d.pending, events...)
	d.mu.Unlock()
}

func (d *fakeDrainer) Drain(ctx context.Context, limit int, publish func(context.Context, OutboxEvent) error) (int, int, error) {
	d.mu.Lock()
	d.drains++
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return 0, 0, err
	}
	batch := d.pending
	if len(batch) > limit {
		batch = batch[:limit]
	}
	d.pending = d.pending[len(batch):]
	d.mu.Unlock()

	published := 0
	for _, event := range batch {
		if err := publish(ctx, event); err != nil {
			continue
		}
		published++
		d.mu.Lock()
		d.published = append(d.published, event.ID)
		d.mu.Unlock()
	}
	return len(batch), published, nil
}

func (d *fakeDrainer) publishedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published)
}

// fakePublisher fails the first failures calls, then succeeds.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *fakePublisher) Publish(ctx context.Context, event OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func testEvent() OutboxEvent {
	return OutboxEvent{
		ID:        uuid.New(),
		MatchID:   uuid.New(),
		EventType: "score.added",
		Version:   4,
		Payload:   []byte(`{"homeScore":2}`),
		CreatedAt: time.Now().UTC(),
	}
}

func startWorker(t *testing.T, d Drainer, p EventPublisher, cfg Config) *Worker {
	t.Helper()
	w := NewWorker(d, p, cfg)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerDrainsOnStart(t *testing.T) {
	d := &fakeDrainer{}
	d.add(testEvent(), testEvent())

	startWorker(t, d, &fakePublisher{}, Config{PollInterval: time.Hour})

	waitFor(t, func() bool { return d.publishedCount() == 2 }, "startup drain never published")
}

func TestWakeTriggersImmediateDrain(t *testing.T) {
	d := &fakeDrainer{}
	w := startWorker(t, d, &fakePublisher{}, Config{PollInterval: time.Hour})

	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.drains >= 1
	}, "startup drain never ran")

	d.add(testEvent())
	w.Wake()

	waitFor(t, func() bool { return d.publishedCount() == 1 }, "wake did not trigger a drain")
}

func TestWorkerKeepsDrainingFullBatches(t *testing.T) {
	d := &fakeDrainer{}
	events := make([]OutboxEvent, 7)
	for i := range events {
		events[i] = testEvent()
	}
	d.add(events...)

	// Batch size 3: the drain loop must keep going until a short batch.
	startWorker(t, d, &fakePublisher{}, Config{PollInterval: time.Hour, BatchSize: 3})

	waitFor(t, func() bool { return d.publishedCount() == 7 }, "full-batch loop stopped early")
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	d := &fakeDrainer{}
	d.add(testEvent())
	p := &fakePublisher{failures: 2}

	startWorker(t, d, p, Config{
		PollInterval: time.Hour,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
	})

	waitFor(t, func() bool { return d.publishedCount() == 1 }, "publish never succeeded after transient failures")
}

func TestPublishGivesUpAfterMaxRetries(t *testing.T) {
	d := &fakeDrainer{}
	d.add(testEvent())
	p := &fakePublisher{failures: 100}

	startWorker(t, d, p, Config{
		PollInterval: time.Hour,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
	})

	// 1 initial + 2 retries, then the event stays unpublished for the
	// next drain cycle.
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.calls == 3
	}, "retry loop did not stop at max retries")
	if d.publishedCount() != 0 {
		t.Errorf("published = %d, want 0", d.publishedCount())
	}
}

func TestWorkerStartStopLifecycle(t *testing.T) {
	w := NewWorker(&fakeDrainer{}, &fakePublisher{}, Config{PollInterval: time.Hour})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start should fail while running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(); err == nil {
		t.Error("second Stop should fail when not running")
	}
}

func TestEventEnvelopeShape(t *testing.T) {
	event := testEvent()
	data, err := event.envelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	for _, key := range []string{"eventId", "eventType", "matchId", "version", "timestamp", "payload"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("envelope missing %q: %s", key, data)
		}
	}
	if decoded["eventId"] != event.ID.String() {
		t.Errorf("envelope eventId = %v, want %s", decoded["eventId"], event.ID)
	}
}
