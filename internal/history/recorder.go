package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dsched/internal/scheduler"
)

// RecorderOptions содержит настройки асинхронной записи журнала.
type RecorderOptions struct {
	// QueueSize - ёмкость буфера событий. При переполнении новые
	// события отбрасываются, планировщик не ждёт.
	QueueSize int
	// BatchSize - максимальный размер пачки для одной транзакции.
	BatchSize int
	// WriteTimeout - таймаут одной записи в хранилище.
	WriteTimeout time.Duration
}

// DefaultRecorderOptions возвращает настройки по умолчанию.
func DefaultRecorderOptions() RecorderOptions {
	return RecorderOptions{
		QueueSize:    256,
		BatchSize:    32,
		WriteTimeout: 10 * time.Second,
	}
}

// Recorder асинхронно переносит события планировщика в Store.
//
// Слушатели вызываются планировщиком синхронно, причём события пропусков -
// прямо из цикла планирования. Запись в БД на этом пути недопустима:
// события складываются в буфер, отдельная goroutine пишет их пачками.
// Переполненный буфер означает потерю события, а не задержку планирования.
type Recorder struct {
	logger *slog.Logger
	store  Store
	opts   RecorderOptions

	queue chan Record
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

var _ scheduler.Listener = (*Recorder)(nil)

// NewRecorder создаёт рекордер с настройками по умолчанию и запускает
// goroutine записи.
func NewRecorder(logger *slog.Logger, store Store) *Recorder {
	return NewRecorderWithOptions(logger, store, DefaultRecorderOptions())
}

// NewRecorderWithOptions создаёт рекордер с указанными настройками.
func NewRecorderWithOptions(logger *slog.Logger, store Store, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultRecorderOptions().QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRecorderOptions().BatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultRecorderOptions().WriteTimeout
	}

	r := &Recorder{
		logger: logger,
		store:  store,
		opts:   opts,
		queue:  make(chan Record, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// OnExecuted реализует scheduler.Listener.
func (r *Recorder) OnExecuted(ev scheduler.JobEvent) {
	r.enqueue(FromEvent(ev))
}

// OnError реализует scheduler.Listener.
func (r *Recorder) OnError(ev scheduler.JobEvent) {
	r.enqueue(FromEvent(ev))
}

// Dropped возвращает число событий, потерянных из-за переполнения буфера.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close дописывает накопленные события и останавливает goroutine записи.
// После Close новые события молча игнорируются: при остановке с таймаутом
// дренажа обработчики могут дорабатывать уже после закрытия журнала.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped++
		r.logger.Warn("history buffer full, event dropped",
			"job_id", rec.JobID,
			"outcome", rec.Outcome,
			"dropped_total", r.dropped)
	}
}

// run забирает события из буфера и пишет их пачками до закрытия очереди.
func (r *Recorder) run() {
	defer close(r.done)

	for rec := range r.queue {
		r.flush(r.collect(rec))
	}
}

// collect жадно добирает события из буфера, не дожидаясь новых.
func (r *Recorder) collect(first Record) []Record {
	batch := make([]Record, 0, r.opts.BatchSize)
	batch = append(batch, first)

	for len(batch) < r.opts.BatchSize {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				return batch
			}
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	if err := r.store.Append(ctx, batch); err != nil {
		r.logger.Error("history append failed",
			"events", len(batch),
			"error", err)
		return
	}
	r.logger.Debug("history batch recorded", "events", len(batch))
}
