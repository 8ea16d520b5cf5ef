package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite драйвер
)

// AccessMode определяет режим доступа к SQLite базе данных
type AccessMode string

const (
	// AccessModeReadWrite - режим чтения и записи (по умолчанию)
	AccessModeReadWrite AccessMode = "rw"
	// AccessModeReadOnly - режим только для чтения
	AccessModeReadOnly AccessMode = "ro"
	// AccessModeReadWriteCreate - режим чтения/записи с созданием файла если не существует
	AccessModeReadWriteCreate AccessMode = "rwc"
)

// JournalMode - режим журнала SQLite.
type JournalMode string

const (
	// JournalDelete - журнал отката, удаляемый после коммита. Образ остаётся одним файлом.
	JournalDelete JournalMode = "DELETE"
	// JournalWAL - write-ahead log. Для образов не годится: WAL живёт рядом с файлом.
	JournalWAL JournalMode = "WAL"
)

// DBOptions содержит настройки для SQLite базы данных.
type DBOptions struct {
	// ConnMaxLifetime - максимальное время жизни соединения
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime - максимальное время простоя соединения
	ConnMaxIdleTime time.Duration
	// MaxOpenConns - максимальное количество открытых соединений
	MaxOpenConns int
	// MaxIdleConns - максимальное количество idle соединений
	MaxIdleConns int
	// PingTimeout - таймаут для проверки соединения при создании БД
	PingTimeout time.Duration
	// JournalMode - режим журнала
	JournalMode JournalMode
	// ForeignKeys - включить ли проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - таймаут ожидания при SQLITE_BUSY
	BusyTimeout time.Duration
	// AccessMode - режим доступа к базе данных
	AccessMode AccessMode
}

// DefaultDBOptions возвращает настройки для сборки исходной БД, которую потом
// целиком импортируют в страничную память.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    1, // Один писатель, образ собирается последовательно
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		JournalMode:     JournalDelete,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
		AccessMode:      AccessModeReadWriteCreate,
	}
}

// NewDB открывает (или создаёт) файловую БД с настройками по умолчанию.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// NewReadOnlyDB открывает файловую БД только для чтения.
func NewReadOnlyDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	opts := DefaultDBOptions()
	opts.AccessMode = AccessModeReadOnly
	opts.JournalMode = ""
	return NewDBWithOptions(ctx, dbPath, opts)
}

// NewDBWithOptions создает новое подключение к SQLite с заданными параметрами.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	// Создаем директорию для БД если её нет
	if dir := filepath.Dir(dbPath); dir != "." && opts.AccessMode != AccessModeReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := configure(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// configure применяет настройки пула, проверяет соединение и выполняет PRAGMA.
func configure(ctx context.Context, db *sql.DB, opts DBOptions) error {
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := applyPragmaSettings(ctx, db, opts); err != nil {
		return fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}
	return nil
}

// buildDSN строит DSN строку для SQLite с минимальными параметрами.
// Параметры SQLite (mode) читаются только из URI, поэтому при их наличии
// путь оборачивается в file:. busy_timeout передаётся через _pragma, чтобы
// драйвер выставлял его на каждом новом соединении пула.
// Остальные настройки применяются через PRAGMA после открытия.
func buildDSN(dbPath string, opts DBOptions) string {
	params := []string{}

	// Режим доступа добавляем только если он отличается от умолчания
	if opts.AccessMode != "" && opts.AccessMode != AccessModeReadWrite {
		params = append(params, fmt.Sprintf("mode=%s", opts.AccessMode))
	}

	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}

	if len(params) > 0 {
		return "file:" + uriPath.Replace(dbPath) + "?" + strings.Join(params, "&")
	}
	return dbPath
}

// uriPath экранирует символы, которые в URI завершают путь.
var uriPath = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// applyPragmaSettings применяет PRAGMA настройки к открытому соединению.
func applyPragmaSettings(ctx context.Context, db *sql.DB, opts DBOptions) error {
	pragmas := make([]string, 0, 4)

	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if opts.JournalMode != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA journal_mode = %s", opts.JournalMode))
	}
	if opts.AccessMode != AccessModeReadOnly {
		// Образ копируется целиком, поэтому каждый коммит должен дойти до диска
		pragmas = append(pragmas, "PRAGMA synchronous = FULL")
	}
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}
