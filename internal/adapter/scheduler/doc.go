// Package scheduler запускает фоновые задачи: по cron-расписанию
// (github.com/robfig/cron/v3) и с фиксированным интервалом.
//
// Возможности:
//   - стандартные 5-польные расписания и дескрипторы ("@hourly", "@every 10m")
//   - политики перекрытий запусков (Skip по умолчанию, Delay, Allow)
//   - таймаут и имя на каждую задачу
//   - восстановление после паники, ошибки не останавливают планировщик
//   - статистика запусков (Statuses) и ручной запуск по имени (RunNow)
//   - остановка с дедлайном (StopContext)
//
// Основное применение - снимки образа страничной памяти:
//
//	s := scheduler.NewWithContext(ctx, scheduler.Config{Logger: logger})
//	_, err := s.AddCronJob(cfg.Checkpoint.Schedule, scheduler.CheckpointJob(v, scheduler.CheckpointOptions{
//		Dir:      cfg.Checkpoint.Dir,
//		Keep:     cfg.Checkpoint.Keep,
//		Compress: cfg.Checkpoint.Compress,
//		Retry:    retry.DefaultConfig(),
//		Logger:   logger,
//	}), scheduler.JobOptions{Name: scheduler.CheckpointJobName, Timeout: 10 * time.Minute})
//	s.Start()
//	defer s.Stop()
package scheduler
