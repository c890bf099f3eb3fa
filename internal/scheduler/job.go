package scheduler

import (
	"context"
	"time"
)

// JobFunc - тело задачи. Контекст отменяется при принудительной остановке
// ядра; долгие обработчики обязаны его уважать.
type JobFunc func(ctx context.Context) error

// Policy управляет поведением задачи при просрочках и перекрытиях.
type Policy struct {
	// Coalesce - схлопывать накопившиеся просроченные запуски в один
	// догоняющий запуск. При false просроченный хвост отбрасывается.
	Coalesce bool
	// MaxInstances - предел одновременных выполнений задачи внутри
	// процесса. При достижении предела очередной запуск пропускается,
	// а не ставится в очередь.
	MaxInstances int
	// MisfireGrace - допустимое опоздание запуска относительно расписания.
	MisfireGrace time.Duration
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		Coalesce:     true,
		MaxInstances: 1,
		MisfireGrace: time.Minute,
	}
}

// JobConfig - необязательные параметры регистрации задачи.
type JobConfig struct {
	// Replace - заменить существующую задачу с тем же id целиком.
	// Без Replace повторная регистрация id - конфликт.
	Replace bool
	// Distributed - выполнять запуски под распределенной блокировкой.
	Distributed bool
	// LockTTL - срок жизни блокировки задачи (0 - значение ядра).
	LockTTL time.Duration
	// Policy - переопределение политики задачи (nil - политика ядра).
	Policy *Policy
}

// JobSpec - декларативное описание задачи от источника. Заполняется ровно
// одно из полей Interval или Cron.
type JobSpec struct {
	ID       string
	Interval *IntervalSpec
	Cron     *CronSpec
	Handler  JobFunc
	Config   JobConfig
}

// Source поставляет задачи при старте ядра. Каждый источник опрашивается
// ровно один раз за Start; ошибка конфигурации отдельной задачи не мешает
// регистрации остальных.
type Source interface {
	Jobs() []JobSpec
}

// Job - запись реестра: неизменяемое определение плюс изменяемое состояние
// расписания. Изменяемые поля защищены мьютексом реестра.
type Job struct {
	ID          string
	Trigger     Trigger
	Handler     JobFunc
	Distributed bool
	LockTTL     time.Duration
	Policy      Policy

	// Состояние расписания.
	NextFire time.Time
	Paused   bool
	Running  int
}

func (j *Job) info() JobInfo {
	return JobInfo{
		ID:          j.ID,
		Schedule:    j.Trigger.Describe(),
		Distributed: j.Distributed,
		LockTTL:     j.LockTTL,
		Policy:      j.Policy,
		NextFire:    j.NextFire,
		Paused:      j.Paused,
		Running:     j.Running,
	}
}

// JobInfo - точечный снимок задачи для наблюдения.
type JobInfo struct {
	ID          string
	Schedule    string
	Distributed bool
	LockTTL     time.Duration
	Policy      Policy
	NextFire    time.Time
	Paused      bool
	Running     int
}
