package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dsched/internal/shared"
)

// Trigger вычисляет моменты запуска задачи. Реализации должны быть чистыми:
// один и тот же вход дает один и тот же результат, без побочных эффектов.
type Trigger interface {
	// Next возвращает ближайший момент запуска строго после after.
	// Нулевое время означает, что запусков больше не будет.
	Next(after time.Time) time.Time
	// Describe возвращает краткое описание расписания для логов и снимков.
	Describe() string
}

// IntervalSpec описывает интервальное расписание: следующий запуск -
// предыдущий плюс суммарный интервал. Если StartAt задан и еще не наступил,
// первым запуском становится StartAt.
type IntervalSpec struct {
	Seconds int
	Minutes int
	Hours   int
	StartAt time.Time
}

// Duration возвращает суммарный интервал.
func (s IntervalSpec) Duration() time.Duration {
	return time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Seconds)*time.Second
}

// IntervalTrigger - триггер с фиксированным шагом. Шаг отсчитывается от
// запланированных моментов, а не от фактического времени выполнения,
// поэтому расписание не дрейфует.
type IntervalTrigger struct {
	start    time.Time
	interval time.Duration
}

// NewIntervalTrigger проверяет спецификацию и создает триггер.
func NewIntervalTrigger(spec IntervalSpec) (*IntervalTrigger, error) {
	d := spec.Duration()
	if d <= 0 {
		return nil, shared.MarkKind(
			fmt.Errorf("interval must be positive, got %s", d), shared.KindConfiguration)
	}
	return &IntervalTrigger{start: spec.StartAt, interval: d}, nil
}

// Next реализует Trigger.
func (t *IntervalTrigger) Next(after time.Time) time.Time {
	if !t.start.IsZero() && t.start.After(after) {
		return t.start
	}
	return after.Add(t.interval)
}

// Describe реализует Trigger.
func (t *IntervalTrigger) Describe() string {
	return "every " + t.interval.String()
}

// CronSpec описывает cron-расписание, вычисляемое по UTC. Пустое поле
// означает "каждое значение". Поддерживается классический синтаксис:
// списки ("0,30"), диапазоны ("9-17"), шаги ("*/5"). День недели:
// 0-6, воскресенье - 0.
type CronSpec struct {
	Second    string
	Minute    string
	Hour      string
	DayOfWeek string
}

// expr собирает шестипольное cron-выражение; день месяца и месяц
// не ограничиваются.
func (s CronSpec) expr() string {
	f := func(v string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return "*"
		}
		return v
	}
	return strings.Join([]string{f(s.Second), f(s.Minute), f(s.Hour), "*", "*", f(s.DayOfWeek)}, " ")
}

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// cronHorizon ограничивает проверку расписания при создании триггера:
// отсутствие запусков в пределах года - ошибка конфигурации, а не сюрприз
// во время работы.
const cronHorizon = 365 * 24 * time.Hour

// CronTrigger - триггер по cron-расписанию поверх robfig/cron.
type CronTrigger struct {
	expr  string
	sched cron.Schedule
}

// NewCronTrigger проверяет спецификацию и создает триггер.
func NewCronTrigger(spec CronSpec) (*CronTrigger, error) {
	expr := spec.expr()
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, shared.MarkKind(
			fmt.Errorf("parse cron %q: %w", expr, err), shared.KindConfiguration)
	}

	t := &CronTrigger{expr: expr, sched: sched}

	now := time.Now().UTC()
	next := t.Next(now)
	if next.IsZero() || next.Sub(now) > cronHorizon {
		return nil, shared.MarkKind(
			fmt.Errorf("cron %q has no firing within a year", expr), shared.KindConfiguration)
	}
	return t, nil
}

// Next реализует Trigger. Момент всегда строго позже after.
func (t *CronTrigger) Next(after time.Time) time.Time {
	return t.sched.Next(after.UTC())
}

// Describe реализует Trigger.
func (t *CronTrigger) Describe() string {
	return "cron " + t.expr
}
