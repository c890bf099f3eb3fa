package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dsched/internal/lock"
	"dsched/internal/shared"
)

// State - этап жизненного цикла ядра.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

// String возвращает строковую форму состояния.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// DefaultLockTTL - срок жизни блокировки по умолчанию. Страховка от
	// блокировки, зависшей после падения процесса.
	DefaultLockTTL = 5 * time.Minute
	// DefaultDrainTimeout - ожидание выполняющихся обработчиков при Stop
	// без явного дедлайна.
	DefaultDrainTimeout = 30 * time.Second

	// idleWait - сон цикла планирования при пустом реестре. Мутация
	// реестра будит цикл раньше.
	idleWait = time.Hour
)

// Pinger - необязательная проверка соединения хранилища блокировок.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config - конфигурация ядра.
type Config struct {
	// Logger для структурных логов (nil - slog.Default()).
	Logger *slog.Logger
	// Store - хранилище блокировок распределенных задач. Без него
	// регистрация распределенной задачи - ошибка конфигурации.
	Store lock.Store
	// Policy - политика задач по умолчанию (нулевое значение -
	// DefaultPolicy()).
	Policy Policy
	// LockTTL - TTL блокировок по умолчанию (0 - DefaultLockTTL).
	LockTTL time.Duration
	// DrainTimeout - ожидание обработчиков при Stop без явного дедлайна
	// (0 - DefaultDrainTimeout).
	DrainTimeout time.Duration
	// Listeners - наблюдатели событий запусков.
	Listeners []Listener
	// Sources - источники задач, опрашиваемые один раз при Start.
	Sources []Source
}

// Core - ядро шедулера: реестр задач, цикл планирования и обертка запуска.
// Жизненный цикл: Uninitialized -> Initialized -> Running -> Stopped.
// Stopped терминален: остановленное ядро не перезапускается, вместо этого
// создается новое. Ядро - обычное значение, принадлежащее хост-процессу.
type Core struct {
	logger    *slog.Logger
	store     lock.Store
	policy    Policy
	lockTTL   time.Duration
	drain     time.Duration
	listeners []Listener
	sources   []Source

	reg *Registry
	now func() time.Time

	mu    sync.Mutex
	state State

	parent    context.Context
	runCtx    context.Context
	runCancel context.CancelFunc
	stopLoop  chan struct{}
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

// New создает ядро с background-контекстом.
func New(cfg Config) *Core {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает ядро. Отмена родительского контекста останавливает
// ядро и отменяет контексты выполняющихся обработчиков.
func NewWithContext(parent context.Context, cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(parent)

	return &Core{
		logger:    logger,
		store:     cfg.Store,
		policy:    cfg.Policy,
		lockTTL:   cfg.LockTTL,
		drain:     cfg.DrainTimeout,
		listeners: append([]Listener(nil), cfg.Listeners...),
		sources:   append([]Source(nil), cfg.Sources...),
		reg:       NewRegistry(),
		now:       time.Now,
		parent:    parent,
		runCtx:    runCtx,
		runCancel: runCancel,
		stopLoop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Init валидирует конфигурацию и переводит ядро в Initialized. Повторный
// вызов - предупреждение без эффекта. Хранилище блокировок проверяется
// пингом, но его недоступность не фатальна: отказ на захвате обрабатывается
// на каждом тике отдельно.
func (c *Core) Init(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateInitialized, StateRunning:
		c.mu.Unlock()
		c.logger.Warn("init ignored: core already initialized", "state", c.state.String())
		return nil
	case StateStopped:
		c.mu.Unlock()
		return shared.MarkKind(errors.New("core is stopped"), shared.KindConflict)
	}

	if c.policy == (Policy{}) {
		c.policy = DefaultPolicy()
	}
	if c.lockTTL <= 0 {
		c.lockTTL = DefaultLockTTL
	}
	if c.drain <= 0 {
		c.drain = DefaultDrainTimeout
	}
	if err := validatePolicy(c.policy); err != nil {
		c.mu.Unlock()
		return shared.Wrap(err, "core policy")
	}

	c.state = StateInitialized
	c.mu.Unlock()

	if p, ok := c.store.(Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			c.logger.Warn("lock store unreachable at init", "error", err)
		}
	}

	c.logger.Info("core initialized",
		"default_coalesce", c.policy.Coalesce,
		"default_max_instances", c.policy.MaxInstances,
		"default_misfire_grace", c.policy.MisfireGrace,
		"default_lock_ttl", c.lockTTL)
	return nil
}

func validatePolicy(p Policy) error {
	if p.MaxInstances < 1 {
		return shared.MarkKind(
			fmt.Errorf("max instances must be at least 1, got %d", p.MaxInstances),
			shared.KindConfiguration)
	}
	if p.MisfireGrace < 0 {
		return shared.MarkKind(
			fmt.Errorf("misfire grace must not be negative, got %s", p.MisfireGrace),
			shared.KindConfiguration)
	}
	return nil
}

// Start опрашивает источники задач и запускает цикл планирования.
// Start на работающем ядре - предупреждение без эффекта. Ошибка
// конфигурации задачи из источника логируется и пропускает только эту
// задачу.
func (c *Core) Start() error {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized:
		c.mu.Unlock()
		return shared.MarkKind(errors.New("core is not initialized"), shared.KindConfiguration)
	case StateRunning:
		c.mu.Unlock()
		c.logger.Warn("start ignored: core already running")
		return nil
	case StateStopped:
		c.mu.Unlock()
		return shared.MarkKind(
			errors.New("core is stopped and cannot be restarted"), shared.KindConflict)
	}
	c.state = StateRunning
	c.mu.Unlock()

	for _, src := range c.sources {
		for _, spec := range src.Jobs() {
			if err := c.Add(spec); err != nil {
				c.logger.Error("job from source rejected", "job", spec.ID, "error", err)
			}
		}
	}

	go c.loop()
	go c.watchParent()

	c.logger.Info("core started", "jobs", c.reg.Len())
	return nil
}

// watchParent останавливает ядро при отмене родительского контекста.
func (c *Core) watchParent() {
	select {
	case <-c.parent.Done():
		c.logger.Info("parent context cancelled, stopping core")
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Warn("stop after context cancellation", "error", err)
		}
	case <-c.loopDone:
	}
}

// Stop прекращает планирование и ждет выполняющиеся обработчики. Дедлайн
// берется из ctx, при его отсутствии - DrainTimeout ядра. По истечении
// дедлайна контексты обработчиков отменяются, принудительное завершение
// логируется как аномалия. Stop до Start разрешен и также терминален.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == StateStopped {
		c.mu.Unlock()
		c.logger.Debug("stop ignored: core already stopped")
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()

	if prev != StateRunning {
		c.runCancel()
		c.logger.Info("core stopped before start")
		return nil
	}

	c.logger.Info("stopping core")

	close(c.stopLoop)
	<-c.loopDone

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.drain > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.drain)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.runCancel()
		c.logger.Info("core stopped")
		return nil
	case <-ctx.Done():
		c.runCancel()
		c.logger.Warn("drain deadline exceeded, in-flight handlers cancelled")
		return shared.MarkKind(fmt.Errorf("stop core: %w", ctx.Err()), shared.KindTimeout)
	}
}

// State возвращает текущее состояние жизненного цикла.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureMutable разрешает мутации реестра в состояниях Initialized и Running.
func (c *Core) ensureMutable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateUninitialized:
		return shared.MarkKind(errors.New("core is not initialized"), shared.KindConfiguration)
	case StateStopped:
		return shared.MarkKind(errors.New("core is stopped"), shared.KindConflict)
	default:
		return nil
	}
}

// Add регистрирует задачу из декларативного описания.
func (c *Core) Add(spec JobSpec) error {
	switch {
	case spec.Interval != nil && spec.Cron != nil:
		return shared.MarkKind(
			fmt.Errorf("job %q defines both interval and cron", spec.ID), shared.KindConfiguration)
	case spec.Interval != nil:
		return c.AddIntervalJob(spec.ID, *spec.Interval, spec.Handler, spec.Config)
	case spec.Cron != nil:
		return c.AddCronJob(spec.ID, *spec.Cron, spec.Handler, spec.Config)
	default:
		return shared.MarkKind(
			fmt.Errorf("job %q has no trigger", spec.ID), shared.KindConfiguration)
	}
}

// AddIntervalJob регистрирует задачу с интервальным расписанием.
func (c *Core) AddIntervalJob(id string, spec IntervalSpec, handler JobFunc, cfg JobConfig) error {
	t, err := NewIntervalTrigger(spec)
	if err != nil {
		return shared.Wrapf(err, "add interval job %q", id)
	}
	return c.addJob(id, t, handler, cfg)
}

// AddCronJob регистрирует задачу с cron-расписанием.
func (c *Core) AddCronJob(id string, spec CronSpec, handler JobFunc, cfg JobConfig) error {
	t, err := NewCronTrigger(spec)
	if err != nil {
		return shared.Wrapf(err, "add cron job %q", id)
	}
	return c.addJob(id, t, handler, cfg)
}

func (c *Core) addJob(id string, trigger Trigger, handler JobFunc, cfg JobConfig) error {
	if err := c.ensureMutable(); err != nil {
		return err
	}
	if id == "" {
		return shared.MarkKind(errors.New("job id is empty"), shared.KindConfiguration)
	}
	if handler == nil {
		return shared.MarkKind(fmt.Errorf("job %q has no handler", id), shared.KindConfiguration)
	}
	if cfg.Distributed && c.store == nil {
		return shared.MarkKind(
			fmt.Errorf("job %q is distributed but no lock store is configured", id),
			shared.KindConfiguration)
	}

	pol := c.policy
	if cfg.Policy != nil {
		pol = *cfg.Policy
	}
	if err := validatePolicy(pol); err != nil {
		return shared.Wrapf(err, "job %q policy", id)
	}

	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = c.lockTTL
	}

	j := &Job{
		ID:          id,
		Trigger:     trigger,
		Handler:     handler,
		Distributed: cfg.Distributed,
		LockTTL:     ttl,
		Policy:      pol,
		NextFire:    trigger.Next(c.now()),
	}
	if err := c.reg.Register(j, cfg.Replace); err != nil {
		return err
	}

	c.logger.Info("job registered",
		"job", id,
		"schedule", trigger.Describe(),
		"next_fire", j.NextFire,
		"distributed", cfg.Distributed)
	return nil
}

// PauseJob приостанавливает задачу до ResumeJob.
func (c *Core) PauseJob(id string) error {
	if err := c.ensureMutable(); err != nil {
		return err
	}
	if err := c.reg.Pause(id); err != nil {
		return err
	}
	c.logger.Info("job paused", "job", id)
	return nil
}

// ResumeJob снимает задачу с паузы. Расписание пересчитывается от текущего
// момента: тики, пропущенные за время паузы, не наверстываются.
func (c *Core) ResumeJob(id string) error {
	if err := c.ensureMutable(); err != nil {
		return err
	}
	if err := c.reg.Resume(id, c.now()); err != nil {
		return err
	}
	c.logger.Info("job resumed", "job", id)
	return nil
}

// RemoveJob удаляет задачу. Выполняющийся запуск не прерывается.
func (c *Core) RemoveJob(id string) error {
	if err := c.ensureMutable(); err != nil {
		return err
	}
	if err := c.reg.Unregister(id); err != nil {
		return err
	}
	c.logger.Info("job removed", "job", id)
	return nil
}

// Job возвращает снимок одной задачи.
func (c *Core) Job(id string) (JobInfo, error) {
	return c.reg.Info(id)
}

// Jobs возвращает снимок всех задач, упорядоченный по id.
func (c *Core) Jobs() []JobInfo {
	return c.reg.Snapshot()
}

// loop - единственная горутина планирования: обрабатывает просроченные
// задачи, спит до минимального NextFire и просыпается раньше при мутации
// реестра или остановке.
func (c *Core) loop() {
	defer close(c.loopDone)

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		select {
		case <-c.stopLoop:
			return
		default:
		}

		now := c.now()
		next := c.processDue(now)

		wait := idleWait
		if !next.IsZero() {
			wait = next.Sub(c.now())
			if wait < 0 {
				wait = 0
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-c.stopLoop:
			return
		case <-c.reg.wake:
		case <-timer.C:
		}
	}
}

// processDue запускает просроченные задачи и возвращает ближайший
// предстоящий запуск (нулевое время - активных задач нет). Продвижение
// расписания и резервирование слота выполнения происходят атомарно под
// мьютексом реестра, до создания горутины запуска.
func (c *Core) processDue(now time.Time) time.Time {
	type planned struct {
		job         *Job
		scheduledAt time.Time
		lateness    time.Duration
		catchUp     bool
	}
	var runs []planned
	var skips []JobEvent

	c.reg.mu.Lock()
	var earliest time.Time
	for _, j := range c.reg.jobs {
		if j.Paused || j.NextFire.IsZero() {
			continue
		}
		if j.NextFire.After(now) {
			earliest = earlier(earliest, j.NextFire)
			continue
		}

		// Задача просрочена: схлопываем накопившийся хвост до последнего
		// тика не позже now. Один проход дает не больше одного кандидата
		// на запуск независимо от числа пропущенных тиков.
		scheduled := j.NextFire
		next := j.Trigger.Next(scheduled)
		for !next.IsZero() && !next.After(now) {
			if !next.After(scheduled) {
				// Защита от неубывающего триггера.
				next = time.Time{}
				break
			}
			scheduled = next
			next = j.Trigger.Next(scheduled)
		}
		j.NextFire = next
		if next.IsZero() {
			c.logger.Info("job schedule exhausted", "job", j.ID)
		} else {
			earliest = earlier(earliest, next)
		}

		lateness := now.Sub(scheduled)
		switch {
		case lateness > j.Policy.MisfireGrace && !j.Policy.Coalesce:
			skips = append(skips, c.newSkipEvent(j.ID, scheduled, OutcomeSkippedMisfire, nil))
		case j.Running >= j.Policy.MaxInstances:
			skips = append(skips, c.newSkipEvent(j.ID, scheduled, OutcomeSkippedMaxInstances, nil))
		default:
			j.Running++
			runs = append(runs, planned{
				job:         j,
				scheduledAt: scheduled,
				lateness:    lateness,
				catchUp:     lateness > j.Policy.MisfireGrace,
			})
		}
	}
	c.reg.mu.Unlock()

	for _, e := range skips {
		c.logSkip(e)
		c.dispatch(e)
	}
	for _, p := range runs {
		if p.catchUp {
			c.logger.Info("job misfired, running catch-up",
				"job", p.job.ID, "lateness", p.lateness)
		}
		c.wg.Add(1)
		go c.invoke(p.job, p.scheduledAt)
	}
	return earliest
}

// invoke выполняет одну попытку запуска: захват блокировки для
// распределенной задачи, вызов обработчика с защитой от паники,
// освобождение блокировки и синхронная рассылка события.
func (c *Core) invoke(j *Job, scheduledAt time.Time) {
	defer c.wg.Done()
	defer c.releaseSlot(j)

	if j.Distributed {
		m := lock.NewMutex(c.store, j.ID, j.LockTTL)
		h, ok, err := m.TryAcquire(c.runCtx)
		if err != nil || !ok {
			e := c.newSkipEvent(j.ID, scheduledAt, OutcomeSkippedLockHeld, err)
			c.logSkip(e)
			c.dispatch(e)
			return
		}
		defer func() {
			// Освобождаем отдельным контекстом: runCtx к этому моменту
			// может быть уже отменен принудительной остановкой.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := m.Release(relCtx, h); rerr != nil {
				c.logger.Warn("lock release anomaly",
					"job", j.ID, "key", h.Key, "error", rerr)
			}
		}()
	}

	start := c.now()
	err := c.runHandler(j)
	duration := c.now().Sub(start)

	e := JobEvent{
		EventID:     uuid.NewString(),
		JobID:       j.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   start,
		Duration:    duration,
		Timestamp:   c.now(),
	}
	if err != nil {
		e.Outcome = OutcomeError
		e.Err = err
		c.logger.Error("job failed", "job", j.ID, "duration", duration, "error", err)
	} else {
		e.Outcome = OutcomeSuccess
		c.logger.Debug("job executed", "job", j.ID, "duration", duration)
	}
	c.dispatch(e)
}

// runHandler вызывает обработчик, превращая панику в ошибку.
func (c *Core) runHandler(j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = shared.MarkKind(
				fmt.Errorf("job %q panicked: %v", j.ID, r), shared.KindInternal)
		}
	}()
	return j.Handler(c.runCtx)
}

func (c *Core) releaseSlot(j *Job) {
	c.reg.mu.Lock()
	j.Running--
	c.reg.mu.Unlock()
}

func (c *Core) newSkipEvent(jobID string, scheduledAt time.Time, o Outcome, err error) JobEvent {
	return JobEvent{
		EventID:     uuid.NewString(),
		JobID:       jobID,
		Outcome:     o,
		Err:         err,
		ScheduledAt: scheduledAt,
		Timestamp:   c.now(),
	}
}

func (c *Core) logSkip(e JobEvent) {
	switch e.Outcome {
	case OutcomeSkippedMisfire:
		c.logger.Warn("job run skipped: misfire beyond grace",
			"job", e.JobID, "scheduled_at", e.ScheduledAt)
	case OutcomeSkippedMaxInstances:
		c.logger.Warn("job run skipped: max instances reached",
			"job", e.JobID, "scheduled_at", e.ScheduledAt)
	case OutcomeSkippedLockHeld:
		if e.Err != nil {
			c.logger.Warn("job run skipped: lock store unavailable",
				"job", e.JobID, "error", e.Err)
		} else {
			c.logger.Debug("job run skipped: lock held by another instance",
				"job", e.JobID)
		}
	}
}

// dispatch рассылает событие слушателям: OnError при OutcomeError, иначе
// OnExecuted, ровно один вызов на слушателя. Паника слушателя гасится.
func (c *Core) dispatch(e JobEvent) {
	for _, l := range c.listeners {
		c.dispatchOne(l, e)
	}
}

func (c *Core) dispatchOne(l Listener, e JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event listener panicked",
				"job", e.JobID, "outcome", e.Outcome.String(), "panic", r)
		}
	}()
	if e.Outcome == OutcomeError {
		l.OnError(e)
	} else {
		l.OnExecuted(e)
	}
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
