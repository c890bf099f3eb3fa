package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dsched/internal/shared"
)

// Registry хранит задачи по уникальному id и будит цикл планирования при
// каждой мутации, чтобы новый минимальный NextFire не пролежал до конца
// текущего сна.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	wake chan struct{}
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		wake: make(chan struct{}, 1),
	}
}

// Wake возвращает канал пробуждения цикла планирования. Канал буферизован
// на один сигнал: лишние мутации схлопываются.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

func (r *Registry) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Register добавляет задачу. При replace существующая запись заменяется
// целиком, частичных обновлений не бывает; без replace повторный id -
// конфликт.
func (r *Registry) Register(job *Job, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists && !replace {
		return shared.MarkKind(
			fmt.Errorf("job %q already registered", job.ID), shared.KindConflict)
	}
	r.jobs[job.ID] = job
	r.notify()
	return nil
}

// Unregister удаляет задачу из реестра. Выполняющийся запуск не прерывается,
// но новых запусков больше не будет.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return r.notFound(id)
	}
	delete(r.jobs, id)
	r.notify()
	return nil
}

// Pause приостанавливает задачу: цикл планирования перестает ее запускать.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return r.notFound(id)
	}
	j.Paused = true
	r.notify()
	return nil
}

// Resume снимает задачу с паузы и пересчитывает следующий запуск от now:
// тики, накопившиеся за время паузы, не выполняются. Для задачи не на паузе
// вызов - no-op.
func (r *Registry) Resume(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return r.notFound(id)
	}
	if !j.Paused {
		return nil
	}
	j.Paused = false
	j.NextFire = j.Trigger.Next(now)
	r.notify()
	return nil
}

// Info возвращает снимок одной задачи.
func (r *Registry) Info(id string) (JobInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return JobInfo{}, r.notFound(id)
	}
	return j.info(), nil
}

// Snapshot возвращает срез состояния всех задач, упорядоченный по id.
func (r *Registry) Snapshot() []JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.info())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Len возвращает число зарегистрированных задач.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) notFound(id string) error {
	return shared.MarkKind(fmt.Errorf("job %q is not registered", id), shared.KindNotFound)
}
