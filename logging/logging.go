package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxSize = 2 * 1024 * 1024 // 2MB

type Config struct {
	Level   string
	Format  string // json or console
	File    string // empty disables file output
	MaxSize int64  // bytes; defaultMaxSize when zero
	Backups int
}

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

func init() {
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Setup configures the global logger to write to stdout and, when cfg.File
// is set, to a size-capped log file. The returned writer may be nil.
func Setup(cfg Config) (*RotatingWriter, error) {
	var rw *RotatingWriter
	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	if cfg.File != "" {
		var err error
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = defaultMaxSize
		}
		rw, err = NewRotatingWriter(cfg.File, maxSize, cfg.Backups)
		if err != nil {
			return nil, err
		}
		out = zerolog.MultiLevelWriter(out, rw)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	mu.Lock()
	log = zerolog.New(out).With().Timestamp().Logger()
	mu.Unlock()

	return rw, nil
}

// SetOutput points the global logger at w. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	log = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
}

func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// With returns a child logger carrying a component field.
func With(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}

func Debug() *zerolog.Event {
	l := Logger()
	return l.Debug()
}

func Info() *zerolog.Event {
	l := Logger()
	return l.Info()
}

func Warn() *zerolog.Event {
	l := Logger()
	return l.Warn()
}

func Error() *zerolog.Event {
	l := Logger()
	return l.Error()
}

func Fatal() *zerolog.Event {
	l := Logger()
	return l.Fatal()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
