package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
}

var (
	mu         sync.Mutex
	baseWriter io.Writer = os.Stderr

	defaultTimeFmt = time.RFC3339
)

func init() {
	log.Logger = zerolog.New(baseWriter).With().Timestamp().Logger()
}

// Init configures zerolog globals and establishes the process logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format)

	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	logger := contextBuilder.Logger()
	baseWriter = writer
	log.Logger = logger
	return logger
}

// With returns a child logger carrying the given subsystem name.
func With(subsystem string) zerolog.Logger {
	return log.Logger.With().Str("subsystem", subsystem).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return os.Stderr
	case "console":
		return consoleWriter()
	default: // "auto": console when attached to a terminal, JSON otherwise
		if term.IsTerminal(int(os.Stderr.Fd())) {
			return consoleWriter()
		}
		return os.Stderr
	}
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
}
