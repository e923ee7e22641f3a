package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-lifetime maps, lost on restart
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
