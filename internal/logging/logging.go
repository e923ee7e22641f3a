// Package logging configures herald's structured logging.
//
// Services log through *slog.Logger with a "comp" attribute per component.
// The handlers behind it are backed by zerolog: a console writer for humans
// and an optional JSON file sink for machines. Apply() swaps handlers at
// runtime so the level and sinks follow config reloads without re-plumbing
// loggers through the app.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

func Stdout() io.Writer { return os.Stdout }

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Service struct {
	atomicH *AtomicHandler
	logger  *slog.Logger

	mu   sync.Mutex
	file *os.File
}

func New(cfg Config) (*Service, *slog.Logger) {
	ah := NewAtomicHandler(NewZerologHandler(Stdout(), slog.LevelInfo, true))
	svc := &Service{
		atomicH: ah,
		logger:  slog.New(ah),
	}
	svc.Apply(cfg)
	return svc, svc.logger
}

func (s *Service) Logger() *slog.Logger { return s.logger }

// Apply rebuilds the handler set from cfg. Safe to call at any time; loggers
// already handed out pick up the change on their next record.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := parseLevel(cfg.Level, slog.LevelInfo)

	var handlers []slog.Handler
	if cfg.Console {
		handlers = append(handlers, NewZerologHandler(Stdout(), level, true))
	}

	// file handler (close old safely)
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			s.file = f
			handlers = append(handlers, NewZerologHandler(f, level, false))
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, NewZerologHandler(io.Discard, level, false))
	}
	s.atomicH.Swap(multi(handlers))
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func parseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}
