// Package history persists a log of measurement attempts so campaign
// behavior can be reconstructed after the fact. It supports a plain JSONL
// file backend and a SQLite backend.
package history

import (
	"context"
	"errors"
	"strings"

	"bbmess/pkg/logx"
)

// Store is the minimal persistence API used by the engine.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
