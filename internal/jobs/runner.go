// Package jobs запускает пакетные задачи биллинга по расписанию cron и по запросу.
// Каждый запуск идемпотентен: повторный вызов для того же набора ничего не списывает дважды.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob задача не зарегистрирована
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning задачу уже выполняет этот или другой экземпляр
	ErrJobRunning = errors.New("job is already running")
)

const defaultLockTTL = 10 * time.Minute

// Job пакетная задача
type Job struct {
	Name string
	// Spec расписание cron; пустое значение регистрирует задачу только для ручного запуска
	Spec string
	Run  func(ctx context.Context) error
}

// Runner выполняет задачи под блокировкой и с метриками
type Runner struct {
	cron    *cron.Cron
	locker  Locker
	metrics metrics.BillingMetrics
	lockTTL time.Duration
	log     *logger.Logger

	mu   sync.RWMutex
	jobs map[string]Job

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner создает планировщик. Секунды в расписании не используются, поддерживаются @every и дескрипторы.
func NewRunner(locker Locker, m metrics.BillingMetrics, lockTTL time.Duration, log *logger.Logger) *Runner {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	cronLog := cronLogger{log: log.With("component", "cron")}
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		locker:  locker,
		metrics: m,
		lockTTL: lockTTL,
		log:     log,
		jobs:    make(map[string]Job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register добавляет задачу; расписание проверяется сразу
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and run func are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if job.Spec != "" {
		name := job.Name
		if _, err := r.cron.AddFunc(job.Spec, func() { r.runScheduled(name) }); err != nil {
			return fmt.Errorf("schedule job %s (%q): %w", job.Name, job.Spec, err)
		}
	}
	r.jobs[job.Name] = job
	r.log.Infow("Job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

// Names зарегистрированные задачи
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow выполняет задачу синхронно. Если задача уже выполняется, возвращает ErrJobRunning.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.Exclusive(ctx, name, job.Run)
}

// Exclusive выполняет fn под блокировкой задачи name, например ручной запуск с фильтром
func (r *Runner) Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	unlock, acquired, err := r.locker.TryLock(ctx, name, r.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrJobRunning
	}
	defer unlock()

	started := time.Now()
	err = fn(ctx)
	duration := time.Since(started)
	r.metrics.ObserveJobRun(name, err, duration)

	if err != nil {
		r.log.Errorw("Job failed", "job", name, "duration", duration, "error", err)
		return err
	}
	r.log.Debugw("Job finished", "job", name, "duration", duration)
	return nil
}

func (r *Runner) runScheduled(name string) {
	err := r.RunNow(r.ctx, name)
	if errors.Is(err, ErrJobRunning) {
		r.log.Infow("Job skipped, another run holds the lock", "job", name)
	}
}

// Start запускает расписание в отдельной горутине
func (r *Runner) Start() {
	r.cron.Start()
	r.log.Infow("Job scheduler started", "jobs", len(r.cron.Entries()))
}

// Stop останавливает расписание и ждет текущие задачи, но не дольше ctx
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.log.Warnw("Jobs still running at shutdown, cancelling")
		r.cancel()
		<-done.Done()
	}
	r.cancel()
	r.log.Infow("Job scheduler stopped")
}

// cronLogger передает логи robfig/cron в структурный логгер
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
