package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SSWConsulting/yakshaver/internal/config"
)

const interactiveLogFile = "yakshaver.log"

var (
	loggerMu      sync.Mutex
	activeLogFile *os.File
)

// configureLogger installs the default slog logger. Interactive commands
// never log to the terminal; without a configured file they log under the
// state directory so approval prompts stay readable.
func configureLogger(cfg *config.Config, overrideLevel string, interactive bool) error {
	level, err := parseLogLevel(cfg.Log.Level, overrideLevel)
	if err != nil {
		return err
	}

	logFilePath := strings.TrimSpace(cfg.Log.File)
	if logFilePath == "" && interactive {
		logFilePath = filepath.Join(cfg.DataDir(), interactiveLogFile)
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()

	writer, err := openLogWriter(logFilePath)
	if err != nil {
		return err
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// openLogWriter reuses the open log file when the path is unchanged.
// Callers hold loggerMu.
func openLogWriter(path string) (io.Writer, error) {
	if activeLogFile != nil && activeLogFile.Name() != path {
		_ = activeLogFile.Close()
		activeLogFile = nil
	}
	if path == "" {
		return os.Stderr, nil
	}
	if activeLogFile != nil {
		return activeLogFile, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	activeLogFile = f
	return f, nil
}

func parseLogLevel(configLevel, override string) (slog.Level, error) {
	level := strings.TrimSpace(configLevel)
	if strings.TrimSpace(override) != "" {
		level = override
	}
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
}
