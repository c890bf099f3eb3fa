package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsched/internal/lock"
	"dsched/internal/shared"
)

func waitForAtLeast(t *testing.T, counter *int64, expected int64, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(counter) >= expected
	}, timeout, 10*time.Millisecond, "значение счётчика не достигло ожидаемого уровня")
}

func ensureNoIncrement(t *testing.T, counter *int64, baseline int64, duration time.Duration) {
	t.Helper()

	assert.Never(t, func() bool {
		return atomic.LoadInt64(counter) > baseline
	}, duration, 10*time.Millisecond, "счётчик увеличился после ожидания")
}

func noopHandler(ctx context.Context) error { return nil }

func newTestCore(t *testing.T, cfg Config) *Core {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(cfg)
}

// fakeClock - потокобезопасные ручные часы для тестов, которые двигают
// время сами и вызывают processDue напрямую.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t0 time.Time) *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func (c *fakeClock) Set(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = ts
}

// recordingListener копит события запусков для проверок.
type recordingListener struct {
	mu       sync.Mutex
	executed []JobEvent
	failed   []JobEvent
}

func (l *recordingListener) OnExecuted(e JobEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executed = append(l.executed, e)
}

func (l *recordingListener) OnError(e JobEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, e)
}

func (l *recordingListener) counts() (executed, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.executed), len(l.failed)
}

func (l *recordingListener) countOutcome(o Outcome) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.executed {
		if e.Outcome == o {
			n++
		}
	}
	for _, e := range l.failed {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

func (l *recordingListener) lastExecuted() (JobEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.executed) == 0 {
		return JobEvent{}, false
	}
	return l.executed[len(l.executed)-1], true
}

func (l *recordingListener) lastFailed() (JobEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.failed) == 0 {
		return JobEvent{}, false
	}
	return l.failed[len(l.failed)-1], true
}

func TestCore_Lifecycle(t *testing.T) {
	c := newTestCore(t, Config{})
	assert.Equal(t, StateUninitialized, c.State())

	err := c.Start()
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err), "Start до Init - ошибка конфигурации")

	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, StateInitialized, c.State())
	require.NoError(t, c.Init(context.Background()), "повторный Init - предупреждение, не ошибка")

	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())
	require.NoError(t, c.Start(), "повторный Start - no-op")

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Stop(context.Background()), "повторный Stop - no-op")

	// Stopped терминален: ни перезапуска, ни повторной инициализации,
	// ни мутаций реестра.
	assert.True(t, shared.IsConflict(c.Start()))
	assert.True(t, shared.IsConflict(c.Init(context.Background())))
	assert.True(t, shared.IsConflict(
		c.AddIntervalJob("late", IntervalSpec{Seconds: 1}, noopHandler, JobConfig{})))
}

func TestCore_StopBeforeStart(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())

	// Stop разрешен даже до Init.
	c2 := newTestCore(t, Config{})
	require.NoError(t, c2.Stop(context.Background()))
	assert.Equal(t, StateStopped, c2.State())
}

func TestCore_InitRejectsInvalidPolicy(t *testing.T) {
	c := newTestCore(t, Config{
		Policy: Policy{Coalesce: true, MaxInstances: 0, MisfireGrace: time.Minute},
	})

	err := c.Init(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
	assert.Equal(t, StateUninitialized, c.State())
}

type pingableStore struct {
	lock.Store
	pingErr error
}

func (s pingableStore) Ping(ctx context.Context) error { return s.pingErr }

func TestCore_InitToleratesStoreOutage(t *testing.T) {
	store := pingableStore{Store: lock.NewMemoryStore(), pingErr: errors.New("store down")}
	c := newTestCore(t, Config{Store: store})

	require.NoError(t, c.Init(context.Background()),
		"недоступность хранилища блокировок при Init не фатальна")
	assert.Equal(t, StateInitialized, c.State())
}

func TestCore_AddValidation(t *testing.T) {
	c := newTestCore(t, Config{})

	err := c.AddIntervalJob("early", IntervalSpec{Seconds: 1}, noopHandler, JobConfig{})
	assert.True(t, shared.IsConfiguration(err), "регистрация до Init запрещена")

	require.NoError(t, c.Init(context.Background()))

	assert.True(t, shared.IsConfiguration(
		c.AddIntervalJob("", IntervalSpec{Seconds: 1}, noopHandler, JobConfig{})), "пустой id")
	assert.True(t, shared.IsConfiguration(
		c.AddIntervalJob("no-handler", IntervalSpec{Seconds: 1}, nil, JobConfig{})), "nil-обработчик")
	assert.True(t, shared.IsConfiguration(
		c.AddIntervalJob("bad-interval", IntervalSpec{}, noopHandler, JobConfig{})), "нулевой интервал")
	assert.True(t, shared.IsConfiguration(
		c.AddCronJob("bad-cron", CronSpec{Minute: "61"}, noopHandler, JobConfig{})), "невалидный cron")
	assert.True(t, shared.IsConfiguration(
		c.AddIntervalJob("no-store", IntervalSpec{Seconds: 1}, noopHandler, JobConfig{Distributed: true})),
		"распределенная задача без хранилища блокировок")

	bad := Policy{Coalesce: true, MaxInstances: 0, MisfireGrace: time.Second}
	assert.True(t, shared.IsConfiguration(
		c.AddIntervalJob("bad-policy", IntervalSpec{Seconds: 1}, noopHandler, JobConfig{Policy: &bad})),
		"политика с нулевым пределом экземпляров")

	require.NoError(t, c.AddIntervalJob("ok", IntervalSpec{Seconds: 1}, noopHandler, JobConfig{}))
	err = c.AddIntervalJob("ok", IntervalSpec{Seconds: 2}, noopHandler, JobConfig{})
	assert.True(t, shared.IsConflict(err), "повторный id без Replace - конфликт")

	require.NoError(t, c.AddIntervalJob("ok", IntervalSpec{Seconds: 2}, noopHandler, JobConfig{Replace: true}))
	info, err := c.Job("ok")
	require.NoError(t, err)
	assert.Equal(t, "every 2s", info.Schedule, "Replace заменяет запись целиком")
}

func TestCore_AddSpecRequiresExactlyOneTrigger(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))

	err := c.Add(JobSpec{ID: "none", Handler: noopHandler})
	assert.True(t, shared.IsConfiguration(err), "задача без триггера")

	err = c.Add(JobSpec{
		ID:       "both",
		Handler:  noopHandler,
		Interval: &IntervalSpec{Seconds: 1},
		Cron:     &CronSpec{Second: "0"},
	})
	assert.True(t, shared.IsConfiguration(err), "interval и cron одновременно")

	require.NoError(t, c.Add(JobSpec{ID: "one", Handler: noopHandler, Interval: &IntervalSpec{Seconds: 1}}))
}

func TestCore_JobDefaults(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))

	require.NoError(t, c.AddIntervalJob("defaults", IntervalSpec{Minutes: 5}, noopHandler, JobConfig{}))
	info, err := c.Job("defaults")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), info.Policy)
	assert.Equal(t, DefaultLockTTL, info.LockTTL)
	assert.False(t, info.Distributed)

	override := Policy{Coalesce: false, MaxInstances: 3, MisfireGrace: 5 * time.Second}
	require.NoError(t, c.AddIntervalJob("custom", IntervalSpec{Minutes: 5}, noopHandler, JobConfig{
		LockTTL: 45 * time.Second,
		Policy:  &override,
	}))
	info, err = c.Job("custom")
	require.NoError(t, err)
	assert.Equal(t, override, info.Policy)
	assert.Equal(t, 45*time.Second, info.LockTTL)

	// Значения уровня ядра наследуются задачами без переопределений.
	c2 := newTestCore(t, Config{
		Policy:  Policy{Coalesce: false, MaxInstances: 2, MisfireGrace: 30 * time.Second},
		LockTTL: 2 * time.Minute,
	})
	require.NoError(t, c2.Init(context.Background()))
	require.NoError(t, c2.AddIntervalJob("inherit", IntervalSpec{Minutes: 5}, noopHandler, JobConfig{}))
	info, err = c2.Job("inherit")
	require.NoError(t, err)
	assert.Equal(t, Policy{Coalesce: false, MaxInstances: 2, MisfireGrace: 30 * time.Second}, info.Policy)
	assert.Equal(t, 2*time.Minute, info.LockTTL)
}

func TestCore_JobsSnapshot(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))

	require.NoError(t, c.AddIntervalJob("b-job", IntervalSpec{Minutes: 1}, noopHandler, JobConfig{}))
	require.NoError(t, c.AddIntervalJob("a-job", IntervalSpec{Minutes: 1}, noopHandler, JobConfig{}))

	jobs := c.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a-job", jobs[0].ID)
	assert.Equal(t, "b-job", jobs[1].ID)

	_, err := c.Job("ghost")
	assert.True(t, shared.IsNotFound(err))
}

func TestCore_ProcessDueRunsOnTime(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("tick", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil }, JobConfig{}))

	// До срока ничего не запускается, возвращается ближайший запуск.
	next := c.processDue(clk.Now())
	assert.Equal(t, testBase.Add(time.Second), next)
	assert.Zero(t, atomic.LoadInt64(&runs))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
	executed, failed := listener.counts()
	assert.Equal(t, 1, executed)
	assert.Zero(t, failed)

	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, ev.Outcome)
	assert.Equal(t, "tick", ev.JobID)
	assert.Equal(t, testBase.Add(time.Second), ev.ScheduledAt)
	assert.NotEmpty(t, ev.EventID)

	// Расписание продвинулось строго вперед.
	info, err := c.Job("tick")
	require.NoError(t, err)
	assert.Equal(t, testBase.Add(2*time.Second), info.NextFire)
}

func TestCore_CoalesceCollapsesBacklog(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("lagged", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil }, JobConfig{}))

	// Цикл "простоял" шесть тиков; просроченный хвост схлопывается в один
	// догоняющий запуск с последним пропущенным моментом расписания.
	clk.Advance(6*time.Second + 500*time.Millisecond)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&runs), "накопившиеся тики схлопываются в один запуск")

	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, ev.Outcome)
	assert.Equal(t, testBase.Add(6*time.Second), ev.ScheduledAt)

	info, err := c.Job("lagged")
	require.NoError(t, err)
	assert.Equal(t, testBase.Add(7*time.Second), info.NextFire)

	// Повторный проход без новых тиков ничего не добавляет.
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
}

func TestCore_MisfireBeyondGraceWithCoalesce(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	policy := Policy{Coalesce: true, MaxInstances: 1, MisfireGrace: 200 * time.Millisecond}
	require.NoError(t, c.AddIntervalJob("lagged", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil },
		JobConfig{Policy: &policy}))

	// Опоздание 700ms больше grace, но Coalesce дает один догоняющий запуск.
	clk.Advance(5*time.Second + 700*time.Millisecond)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, ev.Outcome)
	assert.Equal(t, testBase.Add(5*time.Second), ev.ScheduledAt)
}

func TestCore_MisfireSkippedWithoutCoalesce(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	policy := Policy{Coalesce: false, MaxInstances: 1, MisfireGrace: 200 * time.Millisecond}
	require.NoError(t, c.AddIntervalJob("lagged", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil },
		JobConfig{Policy: &policy}))

	clk.Advance(5*time.Second + 700*time.Millisecond)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&runs), "просроченный запуск без Coalesce отбрасывается")

	// Пропуск наблюдаем как событие, не как ошибку.
	executed, failed := listener.counts()
	assert.Equal(t, 1, executed)
	assert.Zero(t, failed)
	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	assert.Equal(t, OutcomeSkippedMisfire, ev.Outcome)
	assert.True(t, ev.Outcome.Skipped())
	assert.Nil(t, ev.Err)
	assert.Equal(t, testBase.Add(5*time.Second), ev.ScheduledAt)

	// Расписание продвинулось, следующий своевременный тик выполняется.
	clk.Set(testBase.Add(6 * time.Second))
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs), "после пропуска расписание продолжается")
}

func TestCore_LateWithinGraceRuns(t *testing.T) {
	clk := newFakeClock(testBase)
	c := newTestCore(t, Config{})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	policy := Policy{Coalesce: false, MaxInstances: 1, MisfireGrace: time.Second}
	require.NoError(t, c.AddIntervalJob("tardy", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil },
		JobConfig{Policy: &policy}))

	// Опоздание 300ms внутри grace - обычный запуск даже без Coalesce.
	clk.Advance(time.Second + 300*time.Millisecond)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
}

func TestCore_MaxInstancesSkipsOverflow(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	gate := make(chan struct{})
	var started int64
	handler := func(ctx context.Context) error {
		atomic.AddInt64(&started, 1)
		<-gate
		return nil
	}
	require.NoError(t, c.AddIntervalJob("slow", IntervalSpec{Seconds: 1}, handler, JobConfig{}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	waitForAtLeast(t, &started, 1, 2*time.Second)

	info, err := c.Job("slow")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Running)

	// Следующий тик приходит, пока первый запуск еще выполняется:
	// перелив пропускается, в очередь ничего не встает.
	clk.Advance(time.Second)
	c.processDue(clk.Now())

	assert.Equal(t, int64(1), atomic.LoadInt64(&started))
	assert.Equal(t, 1, listener.countOutcome(OutcomeSkippedMaxInstances))
	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	assert.Equal(t, OutcomeSkippedMaxInstances, ev.Outcome)
	assert.Nil(t, ev.Err, "пропуск по пределу - событие, не ошибка")

	// Слот освободился - следующий тик выполняется как обычно.
	close(gate)
	c.wg.Wait()
	info, err = c.Job("slow")
	require.NoError(t, err)
	assert.Zero(t, info.Running)

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(2), atomic.LoadInt64(&started))
	assert.Equal(t, 1, listener.countOutcome(OutcomeSkippedMaxInstances), "новых пропусков нет")
}

func TestCore_MaxInstancesTwoAllowsPair(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	gate := make(chan struct{})
	var started int64
	handler := func(ctx context.Context) error {
		atomic.AddInt64(&started, 1)
		<-gate
		return nil
	}
	policy := Policy{Coalesce: true, MaxInstances: 2, MisfireGrace: time.Minute}
	require.NoError(t, c.AddIntervalJob("pair", IntervalSpec{Seconds: 1}, handler,
		JobConfig{Policy: &policy}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	waitForAtLeast(t, &started, 1, 2*time.Second)

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	waitForAtLeast(t, &started, 2, 2*time.Second)
	assert.Zero(t, listener.countOutcome(OutcomeSkippedMaxInstances), "второй экземпляр в пределе")

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	assert.Equal(t, int64(2), atomic.LoadInt64(&started))
	assert.Equal(t, 1, listener.countOutcome(OutcomeSkippedMaxInstances), "третий экземпляр сверх предела")

	close(gate)
	c.wg.Wait()
}

func TestCore_HandlerErrorGoesToOnError(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	boom := errors.New("boom")
	var calls int64
	handler := func(ctx context.Context) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			return boom
		}
		return nil
	}
	require.NoError(t, c.AddIntervalJob("flaky", IntervalSpec{Seconds: 1}, handler, JobConfig{}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()

	executed, failed := listener.counts()
	assert.Zero(t, executed)
	assert.Equal(t, 1, failed, "ошибка обработчика уходит в OnError, ровно один хук на попытку")

	ev, ok := listener.lastFailed()
	require.True(t, ok)
	assert.Equal(t, OutcomeError, ev.Outcome)
	assert.ErrorIs(t, ev.Err, boom)
	assert.Equal(t, testBase.Add(time.Second), ev.ScheduledAt)

	// Ошибка не останавливает планирование.
	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	executed, failed = listener.counts()
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, failed)
}

func TestCore_HandlerPanicRecovered(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var calls int64
	handler := func(ctx context.Context) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			panic("job exploded")
		}
		return nil
	}
	require.NoError(t, c.AddIntervalJob("volatile", IntervalSpec{Seconds: 1}, handler, JobConfig{}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()

	ev, ok := listener.lastFailed()
	require.True(t, ok, "паника обработчика превращается в ошибку запуска")
	assert.Equal(t, OutcomeError, ev.Outcome)
	assert.True(t, shared.IsInternal(ev.Err))
	assert.Contains(t, ev.Err.Error(), "panicked")

	// Шедулер переживает панику и продолжает запускать задачу.
	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	executed, _ := listener.counts()
	assert.Equal(t, 1, executed)
}

type panickyListener struct{}

func (panickyListener) OnExecuted(JobEvent) { panic("listener bug") }
func (panickyListener) OnError(JobEvent)    { panic("listener bug") }

func TestCore_ListenerPanicIsolated(t *testing.T) {
	clk := newFakeClock(testBase)
	recorder := &recordingListener{}
	c := newTestCore(t, Config{Listeners: []Listener{panickyListener{}, recorder}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("tick", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil }, JobConfig{}))

	for i := 0; i < 2; i++ {
		clk.Advance(time.Second)
		c.processDue(clk.Now())
		c.wg.Wait()
	}

	assert.Equal(t, int64(2), atomic.LoadInt64(&runs), "паника слушателя не мешает планированию")
	executed, _ := recorder.counts()
	assert.Equal(t, 2, executed, "остальные слушатели продолжают получать события")
}

func TestCore_DistributedRunAcquiresAndReleases(t *testing.T) {
	store := lock.NewMemoryStore()
	clk := newFakeClock(testBase)
	c := newTestCore(t, Config{Store: store})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var keysDuringRun int64
	handler := func(ctx context.Context) error {
		atomic.StoreInt64(&keysDuringRun, int64(store.Len()))
		return nil
	}
	require.NoError(t, c.AddIntervalJob("guarded", IntervalSpec{Seconds: 1}, handler,
		JobConfig{Distributed: true}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&keysDuringRun), "на время запуска ключ блокировки занят")
	assert.Zero(t, store.Len(), "после запуска блокировка освобождена")
}

func TestCore_DistributedSkipWhenLockHeld(t *testing.T) {
	store := lock.NewMemoryStore()
	held, err := store.SetIfAbsent(context.Background(), lock.Key("guarded"), "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{Store: store, Listeners: []Listener{listener}})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("guarded", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil },
		JobConfig{Distributed: true}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&runs), "чужая блокировка исключает запуск")
	assert.Equal(t, 1, listener.countOutcome(OutcomeSkippedLockHeld))
	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	assert.Nil(t, ev.Err, "занятая блокировка - штатный пропуск, не ошибка")
	assert.Equal(t, 1, store.Len(), "чужой ключ не тронут")

	// Блокировка освободилась - очередной тик выполняется.
	deleted, err := store.CompareAndDelete(context.Background(), lock.Key("guarded"), "other-instance")
	require.NoError(t, err)
	require.True(t, deleted)

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
}

type failingLockStore struct{ err error }

func (s failingLockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, s.err
}

func (s failingLockStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	return false, s.err
}

func TestCore_LockStoreOutageSkipsRun(t *testing.T) {
	clk := newFakeClock(testBase)
	listener := &recordingListener{}
	c := newTestCore(t, Config{
		Store:     failingLockStore{err: errors.New("connection refused")},
		Listeners: []Listener{listener},
	})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("guarded", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil },
		JobConfig{Distributed: true}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&runs), "без подтвержденного владения запуск не выполняется")
	assert.Equal(t, 1, listener.countOutcome(OutcomeSkippedLockHeld))
	ev, ok := listener.lastExecuted()
	require.True(t, ok)
	require.NotNil(t, ev.Err, "отказ хранилища фиксируется в событии пропуска")
	assert.True(t, shared.IsLockUnavailable(ev.Err))

	// Отказ хранилища не останавливает планирование: следующий тик
	// пытается снова.
	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, 2, listener.countOutcome(OutcomeSkippedLockHeld))
}

func TestCore_TwoInstancesSingleWinnerPerTick(t *testing.T) {
	store := lock.NewMemoryStore()
	clk := newFakeClock(testBase)

	la := &recordingListener{}
	lb := &recordingListener{}
	build := func(l Listener) *Core {
		c := newTestCore(t, Config{Store: store, Listeners: []Listener{l}})
		c.now = clk.Now
		require.NoError(t, c.Init(context.Background()))
		return c
	}
	a := build(la)
	b := build(lb)

	gate := make(chan struct{})
	var started int64
	handler := func(ctx context.Context) error {
		atomic.AddInt64(&started, 1)
		<-gate
		return nil
	}
	cfg := JobConfig{Distributed: true}
	require.NoError(t, a.AddIntervalJob("shared", IntervalSpec{Seconds: 1}, handler, cfg))
	require.NoError(t, b.AddIntervalJob("shared", IntervalSpec{Seconds: 1}, handler, cfg))

	lockHeldSkips := func() int {
		return la.countOutcome(OutcomeSkippedLockHeld) + lb.countOutcome(OutcomeSkippedLockHeld)
	}

	const ticks = 10
	for i := 1; i <= ticks; i++ {
		now := clk.Advance(time.Second)
		a.processDue(now)
		b.processDue(now)

		// Победитель держит блокировку внутри обработчика, проигравший
		// обязан зафиксировать пропуск до того, как мы откроем ворота.
		waitForAtLeast(t, &started, int64(i), 2*time.Second)
		expected := i
		require.Eventually(t, func() bool { return lockHeldSkips() == expected },
			2*time.Second, 5*time.Millisecond, "на каждый тик ровно один пропуск по блокировке")

		gate <- struct{}{}
		a.wg.Wait()
		b.wg.Wait()
		require.Equal(t, int64(i), atomic.LoadInt64(&started),
			"каждый тик выполняется ровно одним экземпляром")
	}

	assert.Equal(t, ticks, la.countOutcome(OutcomeSuccess)+lb.countOutcome(OutcomeSuccess))
	assert.Equal(t, ticks, lockHeldSkips())
	assert.Zero(t, store.Len(), "после завершения блокировок в хранилище нет")
}

func TestCore_PauseResumeSkipsBacklog(t *testing.T) {
	clk := newFakeClock(testBase)
	c := newTestCore(t, Config{})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("tick", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil }, JobConfig{}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&runs))

	require.NoError(t, c.PauseJob("tick"))
	clk.Advance(10 * time.Second)
	next := c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs), "на паузе задача не запускается")
	assert.True(t, next.IsZero(), "единственная задача на паузе - планировать нечего")

	// Resume пересчитывает расписание от текущего момента: десять тиков
	// паузы не наверстываются.
	require.NoError(t, c.ResumeJob("tick"))
	info, err := c.Job("tick")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Second), info.NextFire)

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(2), atomic.LoadInt64(&runs), "после Resume ровно один очередной запуск")

	assert.True(t, shared.IsNotFound(c.PauseJob("ghost")))
	assert.True(t, shared.IsNotFound(c.ResumeJob("ghost")))
}

func TestCore_RemoveJobStopsFutureRuns(t *testing.T) {
	clk := newFakeClock(testBase)
	c := newTestCore(t, Config{})
	c.now = clk.Now
	require.NoError(t, c.Init(context.Background()))

	var runs int64
	require.NoError(t, c.AddIntervalJob("tick", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&runs, 1); return nil }, JobConfig{}))

	clk.Advance(time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&runs))

	require.NoError(t, c.RemoveJob("tick"))
	clk.Advance(5 * time.Second)
	c.processDue(clk.Now())
	c.wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))

	assert.True(t, shared.IsNotFound(c.RemoveJob("tick")))
	_, err := c.Job("tick")
	assert.True(t, shared.IsNotFound(err))
}

type stubSource struct {
	calls int32
	specs []JobSpec
}

func (s *stubSource) Jobs() []JobSpec {
	atomic.AddInt32(&s.calls, 1)
	return s.specs
}

func TestCore_SourcesConsumedOnceAtStart(t *testing.T) {
	src := &stubSource{specs: []JobSpec{
		{ID: "good", Interval: &IntervalSpec{Minutes: 5}, Handler: noopHandler},
		{ID: "bad", Interval: &IntervalSpec{}, Handler: noopHandler},
	}}
	c := newTestCore(t, Config{Sources: []Source{src}})
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Start(), "невалидная задача источника не валит старт")
	defer c.Stop(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls), "источник опрашивается ровно один раз")
	_, err := c.Job("good")
	assert.NoError(t, err)
	_, err = c.Job("bad")
	assert.True(t, shared.IsNotFound(err), "отвергнутая задача не регистрируется")
}

func TestCore_LoopRunsRegisteredJob(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))

	var counter int64
	require.NoError(t, c.AddIntervalJob("every-second", IntervalSpec{Seconds: 1},
		func(ctx context.Context) error { atomic.AddInt64(&counter, 1); return nil },
		JobConfig{}))

	require.NoError(t, c.Start())
	waitForAtLeast(t, &counter, 2, 5*time.Second)

	require.NoError(t, c.Stop(context.Background()))
	baseline := atomic.LoadInt64(&counter)
	ensureNoIncrement(t, &counter, baseline, 1200*time.Millisecond)
}

func TestCore_LoopWakesOnLateRegistration(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Start())
	defer c.Stop(context.Background())

	// Реестр пуст, цикл ушел в долгий сон. Регистрация обязана разбудить
	// его немедленно, а не по истечении таймера.
	var counter int64
	j := &Job{
		ID:      "fast",
		Trigger: fakeTrigger{interval: 50 * time.Millisecond},
		Handler: func(ctx context.Context) error {
			atomic.AddInt64(&counter, 1)
			return nil
		},
		Policy:   DefaultPolicy(),
		LockTTL:  DefaultLockTTL,
		NextFire: time.Now().Add(50 * time.Millisecond),
	}
	require.NoError(t, c.reg.Register(j, false))

	waitForAtLeast(t, &counter, 3, 2*time.Second)
}

func TestCore_StopDrainsInFlight(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))

	release := make(chan struct{})
	var started, finished int64
	handler := func(ctx context.Context) error {
		atomic.AddInt64(&started, 1)
		<-release
		atomic.AddInt64(&finished, 1)
		return nil
	}
	require.NoError(t, c.AddIntervalJob("slow", IntervalSpec{Seconds: 1}, handler, JobConfig{}))
	require.NoError(t, c.Start())

	waitForAtLeast(t, &started, 1, 5*time.Second)

	go func() {
		time.Sleep(150 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, c.Stop(context.Background()), "штатный Stop ждет обработчики без ошибки")
	assert.Equal(t, atomic.LoadInt64(&started), atomic.LoadInt64(&finished),
		"Stop возвращается только после завершения всех запусков")
}

func TestCore_StopDrainDeadlineCancelsHandlers(t *testing.T) {
	c := newTestCore(t, Config{})
	require.NoError(t, c.Init(context.Background()))

	var started int64
	cancelled := make(chan struct{})
	handler := func(ctx context.Context) error {
		atomic.AddInt64(&started, 1)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}
	require.NoError(t, c.AddIntervalJob("stuck", IntervalSpec{Seconds: 1}, handler, JobConfig{}))
	require.NoError(t, c.Start())
	waitForAtLeast(t, &started, 1, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Stop(ctx)
	require.Error(t, err)
	assert.True(t, shared.IsTimeout(err), "превышение дедлайна остановки - таймаут")
	assert.Equal(t, StateStopped, c.State())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("контекст обработчика не был отменен принудительной остановкой")
	}
}

func TestCore_ParentContextStopsCore(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := NewWithContext(parent, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Start())

	cancel()
	require.Eventually(t, func() bool { return c.State() == StateStopped },
		2*time.Second, 10*time.Millisecond,
		"отмена родительского контекста должна останавливать ядро")
}
