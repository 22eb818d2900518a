// Package cachelog is the append-only JSONL event log kept in the cache
// root. One line per cache-relevant event; `cashew log` reads it back.
package cachelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

const FileName = "log.jsonl"

// Event names.
const (
	EventPulledUnit        = "pulled unit outputs"
	EventPushedUnit        = "pushed unit outputs"
	EventPassthrough       = "passthrough"
	EventCorruptEntry      = "corrupt entry treated as miss"
	EventRanBuildScript    = "ran build script"
	EventPulledBuildScript = "pulled build script outputs"
)

// Logger writes structured events to the cache root's log file.
type Logger struct {
	*slog.Logger

	file *os.File
}

// Open appends to the log file under cacheRoot at the given minimum level.
func Open(cacheRoot, level string) (*Logger, error) {
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(cacheRoot, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: parseLevel(level)})

	return &Logger{
		Logger: slog.New(handler).With(slog.Int("pid", os.Getpid())),
		file:   file,
	}, nil
}

// Discard returns a logger that drops everything; used by tests and by
// paths that must not fail when the log cannot be opened.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}

	return l.file.Close()
}

func (l *Logger) PulledUnit(unitName string, fp digest.Digest, elapsed time.Duration) {
	l.Info(EventPulledUnit,
		slog.String("unit", unitName),
		slog.String("fingerprint", fp.String()),
		slog.Duration("elapsed", elapsed))
}

func (l *Logger) PushedUnit(unitName string, fp digest.Digest, elapsed time.Duration) {
	l.Info(EventPushedUnit,
		slog.String("unit", unitName),
		slog.String("fingerprint", fp.String()),
		slog.Duration("elapsed", elapsed))
}

func (l *Logger) Passthrough(reason string) {
	l.Debug(EventPassthrough, slog.String("reason", reason))
}

func (l *Logger) CorruptEntry(fp digest.Digest, err error) {
	l.Warn(EventCorruptEntry,
		slog.String("fingerprint", fp.String()),
		slog.String("error", err.Error()))
}

func (l *Logger) RanBuildScript(unitName string, fp digest.Digest, elapsed time.Duration) {
	l.Info(EventRanBuildScript,
		slog.String("unit", unitName),
		slog.String("fingerprint", fp.String()),
		slog.Duration("elapsed", elapsed))
}

func (l *Logger) PulledBuildScript(unitName string, fp digest.Digest, elapsed time.Duration) {
	l.Info(EventPulledBuildScript,
		slog.String("unit", unitName),
		slog.String("fingerprint", fp.String()),
		slog.Duration("elapsed", elapsed))
}

// Read parses the event log back into generic records, oldest first.
func Read(cacheRoot string) ([]map[string]any, error) {
	file, err := os.Open(filepath.Join(cacheRoot, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var events []map[string]any

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// A crash mid-append can tear the file's final line. An unparseable
	// line is therefore tolerated at the end of the file and a real error
	// anywhere earlier.
	var pending error

	for scanner.Scan() {
		var event map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			pending = fmt.Errorf("malformed event log line: %w", err)
			continue
		}

		if pending != nil {
			return nil, pending
		}

		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	return events, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
