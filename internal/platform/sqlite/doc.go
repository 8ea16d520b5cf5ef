// Package sqlite связывает драйвер modernc.org/sqlite со страничной памятью.
//
// Основные возможности:
// - Сборка исходной БД из миграций (golang-migrate) в обычном файле
// - Открытие образа из страничной памяти только для чтения через fs.FS
// - Выполнение произвольных запросов с ограничением числа строк
//
// # Сборка образа
//
// Исходная БД собирается в журнальном режиме DELETE, чтобы весь образ
// помещался в один файл:
//
//	path, version, err := sqlite.BuildSeed(ctx, "data/tmp", "migrations")
//	if err != nil {
//		return err
//	}
//	defer os.Remove(path)
//
// После этого файл импортируется в страничную память пакетом image.
//
// # Чтение образа
//
//	fsys := image.NewFS(ctx, v, retry.DefaultConfig())
//	db, err := sqlite.OpenImage(ctx, fsys, v.FileName())
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	res, err := sqlite.Query(ctx, db, "SELECT name FROM sqlite_master", 100)
//
// Каждое чтение страницы берёт Shared блокировку страничной памяти только
// на время самого чтения.
package sqlite
