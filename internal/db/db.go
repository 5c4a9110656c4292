package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const workspaceDir = ".actionline"

// Store names one of the three independent durable stores.
type Store string

const (
	Registry Store = "registry" // jobs, identities, codes, events
	Content  Store = "content"  // cached content items and completions
	Quota    Store = "quota"    // addresses and the usage log
)

// Stores lists every store in open order.
var Stores = []Store{Registry, Content, Quota}

type Config struct {
	Workspace string
	Store     Store
}

func dbPath(workspace string, store Store) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, string(store)+".db")
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens one store in WAL mode. Transactions begin IMMEDIATE so the write
// lock is taken before any read inside them; busy_timeout makes concurrent
// processes queue on that lock instead of failing.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Store == "" {
		return nil, fmt.Errorf("store name required")
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		dbPath(cfg.Workspace, cfg.Store))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	return conn, nil
}

// Path returns the db path of a store in the workspace.
func Path(workspace string, store Store) string {
	return dbPath(workspace, store)
}
