package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/receteci/internal/metrics"
)

// Publisher はイベントの発行のみを行うインターフェース。各コンポーネントはこれを受け取る。
type Publisher interface {
	Publish(kind Kind, payload any) Event
}

// Bus はプロセス内のイベントバス。
type Bus struct {
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
	initialBackoff time.Duration
	maxBackoff     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

// NewBus は新しいBusを生成する。
// initialBackoffとmaxBackoffは完了イベントの再送間隔（指数バックオフ）。
func NewBus(logger *slog.Logger, m metrics.MetricsCollector, initialBackoff, maxBackoff time.Duration) *Bus {
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:         logger,
		metrics:        metrics.OrNop(m),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		ctx:            ctx,
		cancel:         cancel,
		subs:           make(map[string]*subscriber),
	}
}

// subscriber は購読者ごとの配信状態。
type subscriber struct {
	name    string
	handler Handler

	progress chan Event

	mu      sync.Mutex
	queue   []Event
	notify  chan struct{}
	closing chan struct{}
}

// Subscribe は購読者を登録する。bufferは進捗イベントのバッファ数で、溢れた進捗イベントは破棄する。
func (b *Bus) Subscribe(name string, handler Handler, buffer int) error {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("イベントバスは終了しています")
	}
	if _, ok := b.subs[name]; ok {
		return fmt.Errorf("購読者が重複しています: %s", name)
	}

	sub := &subscriber{
		name:     name,
		handler:  handler,
		progress: make(chan Event, buffer),
		notify:   make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	b.subs[name] = sub

	b.wg.Add(2)
	go b.runProgress(sub)
	go b.runCompletion(sub)
	return nil
}

// Publish はイベントを発行し、発行したイベントを返す。ブロックしない。
func (b *Bus) Publish(kind Kind, payload any) Event {
	e := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now(),
		Payload:    payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debug("終了後のイベントバスに発行されました", slog.String("kind", string(kind)))
		return e
	}

	for _, sub := range b.subs {
		if kind.Completion() {
			sub.enqueue(e)
			continue
		}
		select {
		case sub.progress <- e:
		default:
			b.metrics.RecordEventDropped(string(kind))
			b.logger.Debug("進捗イベントを破棄しました",
				slog.String("subscriber", sub.name),
				slog.String("kind", string(kind)),
			)
		}
	}
	return e
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) peek() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	return s.queue[0], true
}

func (s *subscriber) pop() {
	s.mu.Lock()
	s.queue = s.queue[1:]
	s.mu.Unlock()
}

func (b *Bus) runProgress(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.closing:
			return
		case e := <-sub.progress:
			if err := sub.handler(b.ctx, e); err != nil {
				b.logger.Debug("進捗イベントの処理に失敗しました",
					slog.String("subscriber", sub.name),
					slog.String("kind", string(e.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// runCompletion は完了イベントを順番に配信する。失敗したイベントは成功するまで先頭で再送する。
// 終了時はキューを配信し切ってから抜ける。
func (b *Bus) runCompletion(sub *subscriber) {
	defer b.wg.Done()
	for {
		e, ok := sub.peek()
		if !ok {
			select {
			case <-sub.notify:
				continue
			case <-sub.closing:
				if _, ok := sub.peek(); ok {
					continue
				}
				return
			case <-b.ctx.Done():
				return
			}
		}

		if !b.deliver(sub, e) {
			return
		}
		sub.pop()
	}
}

// deliver はハンドラーが成功するまで再送する。バスが中断された場合はfalseを返す。
func (b *Bus) deliver(sub *subscriber, e Event) bool {
	backoff := b.initialBackoff
	for attempt := 1; ; attempt++ {
		err := sub.handler(b.ctx, e)
		if err == nil {
			return true
		}
		b.logger.Warn("完了イベントの配信に失敗したため再送します",
			slog.String("subscriber", sub.name),
			slog.String("kind", string(e.Kind)),
			slog.String("event_id", e.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

// Close は新規発行を止め、未配信の完了イベントを配信し切るまで待つ。
// ctxが先に終了した場合は配信を打ち切ってctx.Err()を返す。
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.closing)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}
