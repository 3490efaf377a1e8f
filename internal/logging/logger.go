package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const defaultHistorySize = 500

// Config selects the global level, the output format and per-module overrides.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mu          sync.RWMutex
	cfg         Config
	initialized bool
	loggers     = make(map[string]*slog.Logger)
	levels      = make(map[string]*slog.LevelVar)
	rootLevel   = &slog.LevelVar{}
	history     = NewRingBuffer(defaultHistorySize)
	onEntry     EntryCallback
)

// Initialize configures every module logger, including ones handed out before
// the call, and installs the default slog logger.
func Initialize(c Config) {
	mu.Lock()
	defer mu.Unlock()

	cfg = c
	initialized = true
	rootLevel.Set(levelOr(c.Level, slog.LevelInfo))

	for module, lv := range levels {
		lv.Set(moduleLevelLocked(module))
		// Replace handlers so loggers created before Initialize pick up the format.
		loggers[module] = slog.New(newHandler(c.Format, lv)).With("module", module)
	}
	slog.SetDefault(slog.New(newHandler(c.Format, rootLevel)))
}

// GetLogger returns the logger of module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mu.RLock()
	logger, ok := loggers[module]
	mu.RUnlock()
	if ok {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if logger, ok := loggers[module]; ok {
		return logger
	}

	lv := &slog.LevelVar{}
	lv.Set(moduleLevelLocked(module))
	format := "text"
	if initialized {
		format = cfg.Format
	}
	logger = slog.New(newHandler(format, lv)).With("module", module)
	loggers[module] = logger
	levels[module] = lv
	return logger
}

// SetLevel changes the level of one module at runtime. An empty module
// changes the global level and every module without an override.
func SetLevel(module, level string) error {
	parsed := parseLevel(level)
	if parsed == nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	mu.Lock()
	defer mu.Unlock()
	if module == "" {
		cfg.Level = level
		rootLevel.Set(*parsed)
		for name, lv := range levels {
			if _, override := cfg.Modules[name]; !override {
				lv.Set(*parsed)
			}
		}
		return nil
	}

	if cfg.Modules == nil {
		cfg.Modules = make(map[string]string)
	}
	cfg.Modules[module] = level
	if lv, ok := levels[module]; ok {
		lv.Set(*parsed)
	}
	return nil
}

// Levels returns the effective level of every known module.
func Levels() map[string]string {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]string, len(levels))
	for name, lv := range levels {
		out[name] = levelName(lv.Level())
	}
	return out
}

// History returns the ring buffer of recent log entries.
func History() *RingBuffer {
	return history
}

// OnEntry registers a callback run for every buffered entry.
func OnEntry(cb EntryCallback) {
	mu.Lock()
	defer mu.Unlock()
	onEntry = cb
}

func entryCallback() EntryCallback {
	mu.RLock()
	defer mu.RUnlock()
	return onEntry
}

func moduleLevelLocked(module string) slog.Level {
	if !initialized {
		return slog.LevelInfo
	}
	level := levelOr(cfg.Level, slog.LevelInfo)
	if override, ok := cfg.Modules[module]; ok {
		level = levelOr(override, level)
	}
	return level
}

func levelOr(s string, fallback slog.Level) slog.Level {
	if l := parseLevel(s); l != nil {
		return *l
	}
	return fallback
}

func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
