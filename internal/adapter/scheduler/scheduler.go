package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc представляет функцию задачи планировщика.
type JobFunc func(ctx context.Context) error

// CronJobID представляет идентификатор cron-задачи.
type CronJobID = cron.EntryID

// TickerJobID представляет идентификатор ticker-задачи.
type TickerJobID int

// OverlapPolicy определяет, что делать, если предыдущий запуск ещё идёт.
type OverlapPolicy int

const (
	// SkipIfRunning пропускает запуск (по умолчанию: два снимка образа подряд не нужны).
	SkipIfRunning OverlapPolicy = iota
	// DelayIfRunning ждёт завершения предыдущего запуска.
	DelayIfRunning
	// AllowOverlap разрешает параллельные запуски.
	AllowOverlap
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	case AllowOverlap:
		return "allow"
	default:
		return fmt.Sprintf("OverlapPolicy(%d)", int(p))
	}
}

// JobOptions содержит опции задачи.
type JobOptions struct {
	// Name - имя задачи для логов и статуса. Пустое имя заменяется на "unnamed".
	Name string
	// Timeout - максимальное время выполнения (0 - без ограничения).
	Timeout time.Duration
	OverlapPolicy OverlapPolicy
}

// JobStatus - снимок статистики запусков задачи.
type JobStatus struct {
	Name         string        `json:"name"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastRun      time.Time     `json:"last_run,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next,omitzero"`
}

// job оборачивает функцию задачи с опциями и статистикой.
type job struct {
	fn      JobFunc
	options JobOptions
	running sync.Mutex

	statMu sync.Mutex
	status JobStatus
	cronID CronJobID
}

type tickerJob struct {
	cancel context.CancelFunc
	job    *job
}

// cronLogger адаптирует cron.Logger к slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

// JobHooks содержит необязательные хуки для наблюдаемости.
type JobHooks struct {
	OnJobStart  func(jobName string)
	OnJobFinish func(jobName string, duration time.Duration, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger   *slog.Logger
	JobHooks JobHooks
	// Location - часовой пояс cron-расписаний (по умолчанию time.Local).
	Location *time.Location
}

// Scheduler запускает периодические задачи: cron-расписания (5 полей или
// дескрипторы вида "@every 1h") и задачи с фиксированным интервалом.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	hooks  JobHooks
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	jobs         []*job
	tickers      map[TickerJobID]*tickerJob
	nextTickerID TickerJobID

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создает планировщик с background контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает планировщик, который останавливается вместе с parentCtx.
func NewWithContext(parentCtx context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{logger: logger}),
		),
		logger:       logger,
		hooks:        cfg.JobHooks,
		ctx:          ctx,
		cancel:       cancel,
		tickers:      make(map[TickerJobID]*tickerJob),
		nextTickerID: 1,
	}
}

// ParseSchedule проверяет cron-расписание в том же формате, что и AddCronJob.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cron.ParseStandard(spec)
}

func (s *Scheduler) newJob(fn JobFunc, opts JobOptions) *job {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	j := &job{fn: fn, options: opts, status: JobStatus{Name: opts.Name}}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return j
}

func (s *Scheduler) forget(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.jobs {
		if other == j {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

// AddCronJob добавляет задачу по cron-расписанию.
// Примеры расписаний:
//   - "*/30 * * * *" - каждые 30 минут
//   - "@hourly" - каждый час
//   - "@every 5m" - каждые 5 минут
func (s *Scheduler) AddCronJob(schedule string, fn JobFunc, opts JobOptions) (CronJobID, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		s.logger.Error("invalid cron schedule", "schedule", schedule, "name", opts.Name, "error", err)
		return 0, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	j := s.newJob(fn, opts)
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.run(j) }))

	j.statMu.Lock()
	j.cronID = id
	j.statMu.Unlock()

	s.logger.Info("cron job added", "schedule", schedule, "name", j.options.Name,
		"overlap_policy", j.options.OverlapPolicy.String(), "id", id)
	return id, nil
}

// AddTickerJob добавляет задачу с фиксированным интервалом. Тикер начинает
// работу сразу, не дожидаясь Start.
func (s *Scheduler) AddTickerJob(interval time.Duration, fn JobFunc, opts JobOptions) TickerJobID {
	j := s.newJob(fn, opts)

	s.mu.Lock()
	id := s.nextTickerID
	s.nextTickerID++
	ctx, cancel := context.WithCancel(s.ctx)
	s.tickers[id] = &tickerJob{cancel: cancel, job: j}
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(j)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("ticker job added", "interval", interval, "name", j.options.Name, "id", id)
	return id
}

// RemoveCronJob удаляет cron-задачу по ID.
func (s *Scheduler) RemoveCronJob(id CronJobID) {
	s.cron.Remove(id)

	s.mu.Lock()
	var found *job
	for _, j := range s.jobs {
		j.statMu.Lock()
		match := j.cronID == id
		j.statMu.Unlock()
		if match {
			found = j
			break
		}
	}
	s.mu.Unlock()
	if found != nil {
		s.forget(found)
	}
	s.logger.Info("cron job removed", "id", id)
}

// RemoveTickerJob удаляет ticker-задачу по ID.
func (s *Scheduler) RemoveTickerJob(id TickerJobID) bool {
	s.mu.Lock()
	t, ok := s.tickers[id]
	if ok {
		delete(s.tickers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	s.forget(t.job)
	s.logger.Info("ticker job removed", "id", id, "name", t.job.options.Name)
	return true
}

// RunNow синхронно выполняет задачу с указанным именем с учётом её политики
// перекрытий. Возвращает false, если задачи с таким именем нет.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	var found *job
	for _, j := range s.jobs {
		if j.options.Name == name {
			found = j
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return false
	}
	s.run(found)
	return true
}

// Statuses возвращает статистику всех задач, отсортированную по имени.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.statMu.Lock()
		st := j.status
		id := j.cronID
		j.statMu.Unlock()
		if id != 0 {
			st.Next = s.cron.Entry(id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start запускает cron. Повторные вызовы игнорируются.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждет завершения всех задач.
func (s *Scheduler) Stop() {
	if !s.IsRunning() {
		return
	}
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext останавливает планировщик, ожидая задачи не дольше дедлайна ctx.
// При истечении дедлайна возвращает ctx.Err(), но остановку все равно доводит до конца.
func (s *Scheduler) StopContext(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for running jobs")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for _, t := range s.tickers {
		t.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning возвращает false после Stop или отмены родительского контекста.
func (s *Scheduler) IsRunning() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}

// run выполняет задачу с учётом политики перекрытий, таймаута и хуков.
func (s *Scheduler) run(j *job) {
	name := j.options.Name

	switch j.options.OverlapPolicy {
	case SkipIfRunning:
		if !j.running.TryLock() {
			j.statMu.Lock()
			j.status.Skipped++
			j.statMu.Unlock()
			s.logger.Debug("skipping job execution, already running", "name", name)
			return
		}
		defer j.running.Unlock()
	case DelayIfRunning:
		j.running.Lock()
		defer j.running.Unlock()
	}

	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	ctx := s.ctx
	if j.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.options.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.call(ctx, j)
	duration := time.Since(start)

	j.statMu.Lock()
	j.status.Runs++
	j.status.LastRun = start
	j.status.LastDuration = duration
	j.status.LastError = ""
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	}
	j.statMu.Unlock()

	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(name, duration, err)
	}

	if err != nil {
		s.logger.Error("job failed", "name", name, "error", err, "duration", duration)
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", duration)
}

// call вызывает функцию задачи, превращая панику в ошибку.
func (s *Scheduler) call(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.fn(ctx)
}
