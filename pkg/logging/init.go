package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const (
	JSON = "json"
	Text = "text"
	Tint = "tint"
)

// New builds a logger of the given type writing to w. Tint output is only
// colored when w is a terminal.
func New(w io.Writer, loggingType string, logLevelName string) (*slog.Logger, error) {
	var logLevel slog.Level
	err := logLevel.UnmarshalText([]byte(logLevelName))
	if err != nil {
		return nil, fmt.Errorf("could not parse log level: %v", err)
	}

	var (
		logHandlerOptions = slog.HandlerOptions{
			AddSource: true,
			Level:     logLevel,
		}
		logHandler slog.Handler
	)

	switch loggingType {
	case JSON:
		logHandler = slog.NewJSONHandler(w, &logHandlerOptions)
	case Text:
		logHandler = slog.NewTextHandler(w, &logHandlerOptions)
	case Tint:
		logHandler = tint.NewHandler(w, &tint.Options{
			AddSource: logHandlerOptions.AddSource,
			Level:     logHandlerOptions.Level,
			NoColor:   !isTerminal(w),
		})
	default:
		return nil, fmt.Errorf("unknown logging type: %s", loggingType)
	}

	return slog.New(logHandler), nil
}

// Initialize builds a logger like New and makes it the default.
func Initialize(w io.Writer, loggingType string, logLevelName string) (*slog.Logger, error) {
	logger, err := New(w, loggingType, logLevelName)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	logger.Debug("logging initialized", "type", loggingType, "logLevel", logLevelName)
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
