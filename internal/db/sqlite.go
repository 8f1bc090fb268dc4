package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/13ty/agor-sub000/internal/db/dialect"
)

// sqliteBusyWait is how long a connection waits on a lock before giving
// up with SQLITE_BUSY.
const sqliteBusyWait = 5 * time.Second

// sqliteReaders bounds the read-only side. The daemon's read load is
// session listings and transcript pages; four connections cover that
// with headroom.
const sqliteReaders = 4

// OpenSQLiteFile opens path as a WAL-mode sqlite database and returns
// the writer/reader pool over it. The parent directory and the file are
// created when missing.
func OpenSQLiteFile(path string) (*Pool, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := touchSQLite(path); err != nil {
		return nil, fmt.Errorf("prepare sqlite file: %w", err)
	}

	writer, err := sqlx.Open(dialect.SQLite3, sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	// One connection on the write side serializes mutations so the
	// stores never trip over write contention.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sqlx.Open(dialect.SQLite3, sqliteDSN(path, "ro"))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaders)
	reader.SetMaxIdleConns(sqliteReaders)

	return &Pool{writer: writer, reader: reader}, nil
}

func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyWait/time.Millisecond))
	if mode == "rwc" {
		// Journal and synchronous levels are database-wide; the writer
		// sets them once and readers inherit them.
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

func touchSQLite(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
