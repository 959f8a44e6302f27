package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	minLevel = atomic.NewInt32(levelInfo)
)

const (
	levelDebug int32 = iota
	levelInfo
	levelWarn
	levelError
)

var levels = map[string]int32{
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetOutput redirects the shared logger.
func SetOutput(w io.Writer) { Logger().SetOutput(w) }

// SetLevel drops lines below level (debug, info, warn, error).
func SetLevel(level string) error {
	n, ok := levels[strings.ToLower(level)]
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	minLevel.Store(n)
	return nil
}

// Enabled reports whether lines at level are written.
func Enabled(level string) bool {
	n, ok := levels[level]
	return !ok || n >= minLevel.Load()
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Log writes one JSON line with ts, level and msg set alongside fields.
func Log(level, msg string, fields map[string]any) {
	if !Enabled(level) {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	LogRequest(entry)
}

func Info(msg string, fields map[string]any)  { Log("info", msg, fields) }
func Warn(msg string, fields map[string]any)  { Log("warn", msg, fields) }
func Error(msg string, fields map[string]any) { Log("error", msg, fields) }
func Debug(msg string, fields map[string]any) { Log("debug", msg, fields) }
