package scheduler

import "time"

// Outcome - исход одной попытки запуска задачи.
type Outcome int

const (
	// OutcomeSuccess - обработчик завершился без ошибки.
	OutcomeSuccess Outcome = iota
	// OutcomeError - обработчик вернул ошибку или запаниковал.
	OutcomeError
	// OutcomeSkippedLockHeld - блокировка занята другим экземпляром либо
	// хранилище блокировок недоступно.
	OutcomeSkippedLockHeld
	// OutcomeSkippedMaxInstances - достигнут предел одновременных выполнений.
	OutcomeSkippedMaxInstances
	// OutcomeSkippedMisfire - просроченный запуск отброшен (Coalesce=false).
	OutcomeSkippedMisfire
)

// String возвращает строковую форму исхода для логов и журнала выполнения.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeSkippedLockHeld:
		return "skipped_lock_held"
	case OutcomeSkippedMaxInstances:
		return "skipped_max_instances"
	case OutcomeSkippedMisfire:
		return "skipped_misfire"
	default:
		return "unknown"
	}
}

// Skipped сообщает, был ли запуск пропущен без вызова обработчика.
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeSkippedLockHeld, OutcomeSkippedMaxInstances, OutcomeSkippedMisfire:
		return true
	default:
		return false
	}
}

// JobEvent - факт одной попытки запуска. Формируется на каждый исход,
// включая пропуски.
type JobEvent struct {
	// EventID - уникальный идентификатор попытки.
	EventID string
	JobID   string
	Outcome Outcome
	// Err заполнен при OutcomeError, а также при пропуске из-за
	// недоступности хранилища блокировок.
	Err error
	// ScheduledAt - момент, на который запуск планировался расписанием.
	ScheduledAt time.Time
	// StartedAt - фактическое начало выполнения; нулевое для пропусков.
	StartedAt time.Time
	// Duration - длительность выполнения; ноль для пропусков.
	Duration time.Duration
	// Timestamp - момент формирования события.
	Timestamp time.Time
}

// Listener получает события запусков. OnError вызывается для OutcomeError,
// OnExecuted - для всех остальных исходов; ровно один вызов на попытку.
// Паника слушателя гасится ядром и не влияет на планирование.
type Listener interface {
	OnExecuted(e JobEvent)
	OnError(e JobEvent)
}
