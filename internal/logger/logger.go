package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	log     = newLogger(os.Stderr)
	logFile *os.File
)

func newLogger(w io.Writer) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stderr}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Setup directs log output to stderr, the given file (if any) and any extra writers such as the
// live log stream. An existing log file is rotated to "<file>.old" first.
func Setup(filePath string, extra ...io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	writers := []io.Writer{os.Stderr}
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return fmt.Errorf("could not create log directory: %w", err)
		}
		oldPath := filePath + ".old"
		if _, err := os.Stat(oldPath); err == nil {
			os.Remove(oldPath)
		}
		if _, err := os.Stat(filePath); err == nil {
			if err := os.Rename(filePath, oldPath); err != nil {
				fmt.Fprintf(os.Stderr, "WARN: failed to rotate log file: %v\n", err)
			}
		}
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("could not open log file: %w", err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		writers = append(writers, zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339, NoColor: true})
	}
	for _, w := range extra {
		writers = append(writers, zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true})
	}

	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	log.Info().Msgf("--- Log session started at %s ---", time.Now().Format(time.RFC3339))
	return nil
}

// SetOutput replaces all log output with w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log = newLogger(w)
}

// Close flushes and closes the log file, if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Sync()
		logFile.Close()
		logFile = nil
	}
}

// SetLevelFromString accepts DEBUG, INFO, WARN or ERROR. Anything else means INFO.
func SetLevelFromString(level string) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN", "WARNING":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func current() *zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	l := log
	return &l
}

func Debug(format string, v ...interface{}) {
	current().Debug().Msgf(format, v...)
}

func Info(format string, v ...interface{}) {
	current().Info().Msgf(format, v...)
}

func Warn(format string, v ...interface{}) {
	current().Warn().Msgf(format, v...)
}

func Error(format string, v ...interface{}) {
	current().Error().Msgf(format, v...)
}

// Fatal logs the message, closes the log file and exits.
func Fatal(format string, v ...interface{}) {
	current().WithLevel(zerolog.FatalLevel).Msgf(format, v...)
	Close()
	os.Exit(1)
}
