package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"

	logFileName = "funnelbot.log"
)

func SetupLogger(env, path string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		log = slog.New(slog.NewJSONHandler(output(path), &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return log
}

// output writes to stdout and, when the directory is usable, to a log file in it.
func output(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return os.Stdout
	}
	f, err := os.OpenFile(filepath.Join(path, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, f)
}
