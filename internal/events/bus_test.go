package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/receteci/internal/metrics"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type droppedMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	dropped []string
}

func (m *droppedMetrics) RecordEventDropped(kind string) {
	m.mu.Lock()
	m.dropped = append(m.dropped, kind)
	m.mu.Unlock()
}

func (m *droppedMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dropped)
}

// recorder は受信したイベントを記録するハンドラー。
type recorder struct {
	mu     sync.Mutex
	events []Event
	failN  map[string]int // イベントIDごとに失敗させる回数
	calls  map[string]int
}

func newRecorder() *recorder {
	return &recorder{failN: map[string]int{}, calls: map[string]int{}}
}

func (r *recorder) handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[e.ID]++
	if r.failN[e.ID] > 0 {
		r.failN[e.ID]--
		return errors.New("subscriber unavailable")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestKind_Completion(t *testing.T) {
	completion := []Kind{KindBrowserInstallCompleted, KindRecordFetched, KindUnitConsumed}
	progress := []Kind{KindBrowserInstallProgress, KindAutomationStatusChanged, KindAnalysisItemStarted}
	for _, k := range completion {
		if !k.Completion() {
			t.Errorf("%s.Completion() = false, want true", k)
		}
	}
	for _, k := range progress {
		if k.Completion() {
			t.Errorf("%s.Completion() = true, want false", k)
		}
	}
}

func TestBus_Publish_AssignsUniqueIDs(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(newTestLogger(&buf), nil, time.Millisecond, time.Millisecond)
	defer b.Close(context.Background())

	e1 := b.Publish(KindRecordFetched, RecordFetched{ReceteNo: "3K7QX12"})
	e2 := b.Publish(KindRecordFetched, RecordFetched{ReceteNo: "3K7QX12"})
	if e1.ID == "" || e1.ID == e2.ID {
		t.Errorf("IDs = %q, %q, want unique non-empty", e1.ID, e2.ID)
	}
	if e1.Kind != KindRecordFetched || e1.OccurredAt.IsZero() {
		t.Errorf("event = %+v", e1)
	}
}

func TestBus_CompletionEvents_RedeliveredUntilSuccess(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(newTestLogger(&buf), nil, time.Millisecond, 5*time.Millisecond)
	rec := newRecorder()
	if err := b.Subscribe("ui", rec.handle, 4); err != nil {
		t.Fatalf("Subscribe() returned error: %v", err)
	}

	// 1件目を3回失敗させても、2件目は1件目の後に配信される
	rec.mu.Lock()
	first := b.Publish(KindUnitConsumed, UnitConsumed{ReceteNo: "3K7QX12", Barkod: "111", Units: 1})
	rec.failN[first.ID] = 3
	rec.mu.Unlock()
	second := b.Publish(KindUnitConsumed, UnitConsumed{ReceteNo: "3K7QX12", Barkod: "222", Units: 1})

	waitFor(t, func() bool { return len(rec.received()) == 2 })

	got := rec.received()
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("delivery order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, first.ID, second.ID)
	}
	rec.mu.Lock()
	if rec.calls[first.ID] != 4 {
		t.Errorf("delivery attempts = %d, want 4", rec.calls[first.ID])
	}
	rec.mu.Unlock()

	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}

func TestBus_ProgressEvents_DroppedWhenSubscriberIsSlow(t *testing.T) {
	var buf bytes.Buffer
	m := &droppedMetrics{}
	b := NewBus(newTestLogger(&buf), m, time.Millisecond, time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(_ context.Context, e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := b.Subscribe("slow", handler, 1); err != nil {
		t.Fatalf("Subscribe() returned error: %v", err)
	}

	b.Publish(KindAnalysisItemStarted, AnalysisItemStarted{Barkod: "111"})
	<-started
	// ハンドラーが処理中のため、1件はバッファに入り残りは破棄される
	b.Publish(KindAnalysisItemStarted, AnalysisItemStarted{Barkod: "222"})
	b.Publish(KindAnalysisItemStarted, AnalysisItemStarted{Barkod: "333"})
	b.Publish(KindAnalysisItemStarted, AnalysisItemStarted{Barkod: "444"})

	if m.count() != 2 {
		t.Errorf("dropped = %d, want 2", m.count())
	}
	close(release)
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}

func TestBus_Close_DrainsCompletionQueue(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(newTestLogger(&buf), nil, time.Millisecond, time.Millisecond)
	rec := newRecorder()
	if err := b.Subscribe("ui", rec.handle, 4); err != nil {
		t.Fatalf("Subscribe() returned error: %v", err)
	}

	for i := 0; i < 10; i++ {
		b.Publish(KindRecordFetched, RecordFetched{ReceteNo: "3K7QX12"})
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if got := len(rec.received()); got != 10 {
		t.Errorf("received = %d, want 10", got)
	}

	// 終了後の発行は配信しない
	b.Publish(KindRecordFetched, RecordFetched{ReceteNo: "3K7QX12"})
	if got := len(rec.received()); got != 10 {
		t.Errorf("received after close = %d, want 10", got)
	}
}

func TestBus_Close_GivesUpWhenContextExpires(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(newTestLogger(&buf), nil, 10*time.Millisecond, 10*time.Millisecond)
	failing := func(context.Context, Event) error { return errors.New("always down") }
	if err := b.Subscribe("down", failing, 1); err != nil {
		t.Fatalf("Subscribe() returned error: %v", err)
	}
	b.Publish(KindUnitConsumed, UnitConsumed{Barkod: "111", Units: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want DeadlineExceeded", err)
	}
}

func TestBus_Subscribe_DuplicateName(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(newTestLogger(&buf), nil, time.Millisecond, time.Millisecond)
	defer b.Close(context.Background())

	noop := func(context.Context, Event) error { return nil }
	if err := b.Subscribe("ui", noop, 1); err != nil {
		t.Fatalf("Subscribe() returned error: %v", err)
	}
	if err := b.Subscribe("ui", noop, 1); err == nil {
		t.Error("expected error for duplicate subscriber name")
	}
}
