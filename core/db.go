package core

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

// DSN builds the connection string for file.
func (o *SQLiteDBOption) DSN(file string) string {
	q := url.Values{}
	if o != nil {
		if o.Mode != "" {
			q.Set("mode", o.Mode)
		}
		if o.Cache != "" {
			q.Set("cache", o.Cache)
		}
		if o.JournalMode != "" {
			q.Set("_journal_mode", o.JournalMode)
		}
	}
	dsn := "file:" + file
	if len(q) > 0 {
		dsn += "?" + q.Encode()
	}
	return dsn
}

type SQLiteDB struct {
	*sql.DB
	file string
}

func NewSQLiteDB(file string, opt *SQLiteDBOption) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite3", opt.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteDB{DB: d, file: file}, nil
}

// Migrate applies the embedded migrations.
func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("migrate %s: %w", db.file, err)
	}
	return nil
}
