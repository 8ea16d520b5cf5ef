package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// BuildMigrateURL строит корректный URL для golang-migrate с учётом особенностей ОС.
// На Windows для путей вида "C:\..." создаёт "sqlite:///C:/...",
// на Unix для "/..." создаёт "sqlite:///...".
func BuildMigrateURL(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	urlPath := filepath.ToSlash(absPath)

	// C:/path -> /C:/path для правильного URL
	if runtime.GOOS == "windows" && len(urlPath) >= 2 && urlPath[1] == ':' {
		urlPath = "/" + urlPath
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	return "sqlite://" + urlPath, nil
}

// MigrationsURL превращает путь к директории в source URL golang-migrate.
// Уже готовые URL (со схемой) возвращаются как есть.
func MigrationsURL(path string) (string, error) {
	if strings.Contains(path, "://") {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func newMigrate(dbPath, migrationsPath string) (*migrate.Migrate, error) {
	databaseURL, err := BuildMigrateURL(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build database URL: %w", err)
	}
	sourceURL, err := MigrationsURL(migrationsPath)
	if err != nil {
		return nil, err
	}
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// ApplyMigrations применяет все доступные миграции к SQLite базе данных.
// Повторный вызов безопасен: migrate.ErrNoChange ошибкой не считается.
func ApplyMigrations(dbPath, migrationsPath string) error {
	m, err := newMigrate(dbPath, migrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// GetMigrationVersion возвращает текущую версию примененных миграций.
func GetMigrationVersion(dbPath, migrationsPath string) (uint, bool, error) {
	m, err := newMigrate(dbPath, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_, _ = m.Close()
	}()

	version, dirty, err := m.Version()
	if err != nil {
		// Если миграции еще не применялись, это не ошибка
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// BuildSeed собирает во временном файле внутри dir базу с применёнными
// миграциями и возвращает путь к ней и версию схемы. Файл готов к импорту
// в страничную память; удалить его должен вызывающий.
func BuildSeed(ctx context.Context, dir, migrationsPath string) (string, uint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "seed-*.db")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create seed file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()

	fail := func(err error) (string, uint, error) {
		_ = os.Remove(path)
		return "", 0, err
	}

	// Сначала фиксируем режим журнала: образ должен быть одним файлом
	db, err := NewDB(ctx, path)
	if err != nil {
		return fail(err)
	}
	if err := db.Close(); err != nil {
		return fail(fmt.Errorf("failed to close seed database: %w", err))
	}

	if err := ApplyMigrations(path, migrationsPath); err != nil {
		return fail(err)
	}
	version, dirty, err := GetMigrationVersion(path, migrationsPath)
	if err != nil {
		return fail(err)
	}
	if dirty {
		return fail(fmt.Errorf("seed schema version %d is dirty", version))
	}
	if err := checkIntegrity(ctx, path); err != nil {
		return fail(err)
	}
	return path, version, nil
}

// checkIntegrity открывает собранную БД только для чтения и прогоняет
// PRAGMA integrity_check до импорта в страничную память.
func checkIntegrity(ctx context.Context, path string) error {
	db, err := NewReadOnlyDB(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check seed integrity: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("seed integrity check: %s", result)
	}
	return nil
}
