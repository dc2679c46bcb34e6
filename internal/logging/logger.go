package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "canon"

// New builds the process logger. It writes to stderr so command output on
// stdout stays machine readable.
func New(environment, level string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stderr, environment, level)
}

// NewWithWriter is New with an explicit sink. The local environment gets a
// console writer; every other environment logs JSON lines.
func NewWithWriter(out io.Writer, environment, level string) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}

	env := strings.ToLower(strings.TrimSpace(environment))
	if env == "" {
		env = "local"
	}
	writer := out
	if env == "local" {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: !isTerminal(out)}
	}

	return zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("env", env).
		Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
