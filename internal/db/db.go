package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dataDirName   = ".eomf"
	defaultDBName = "eomf.db"
)

type Config struct {
	// DataDir holds the database file. Empty means the current directory.
	DataDir string
	// Path overrides the database file location entirely.
	Path string
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	dir := c.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, dataDirName, defaultDBName)
}

// EnsureDataDir creates the directory holding the database file.
func EnsureDataDir(cfg Config) (string, error) {
	dir := filepath.Dir(cfg.path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys on. Concurrent calls
// write to the same file, so writers wait on the lock instead of failing.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDataDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.path())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the resolved database file path.
func Path(cfg Config) string {
	return cfg.path()
}
