package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"

	"modernc.org/sqlite/vfs"
)

// ImageDB - подключение только для чтения к БД, лежащей в fs.FS.
type ImageDB struct {
	*sql.DB
	vfs *vfs.FS
}

// OpenImage регистрирует fsys как VFS драйвера modernc и открывает в нём
// файл name только для чтения. Закрывать нужно через ImageDB.Close, чтобы
// освободить и соединения, и регистрацию VFS.
func OpenImage(ctx context.Context, fsys fs.FS, name string) (*ImageDB, error) {
	vfsName, handle, err := vfs.New(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to register image vfs: %w", err)
	}

	q := url.Values{}
	q.Set("vfs", vfsName)
	q.Set("mode", "ro")
	dsn := "file:" + name + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to open image database: %w", err)
	}

	opts := DefaultDBOptions()
	opts.AccessMode = AccessModeReadOnly
	opts.JournalMode = ""
	opts.ForeignKeys = false
	opts.MaxOpenConns = 4
	opts.BusyTimeout = 0
	if err := configure(ctx, db, opts); err != nil {
		_ = db.Close()
		_ = handle.Close()
		return nil, err
	}

	return &ImageDB{DB: db, vfs: handle}, nil
}

// Close закрывает соединения и снимает регистрацию VFS.
func (d *ImageDB) Close() error {
	return errors.Join(d.DB.Close(), d.vfs.Close())
}
