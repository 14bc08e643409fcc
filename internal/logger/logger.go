package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger is the common interface for logging in callm.
// Arguments after the message are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// ZeroLogger is a Logger implementation backed by zerolog.
type ZeroLogger struct {
	z     zerolog.Logger
	group string
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(z zerolog.Logger) Logger { return &ZeroLogger{z: z} }

// Default is the pretty stderr logger at info level.
func Default() Logger { return Pretty(os.Stderr, zerolog.InfoLevel) }

// Nop discards everything.
func Nop() Logger { return Wrap(zerolog.Nop()) }

// JSON writes one JSON object per line.
func JSON(w io.Writer, level zerolog.Level) Logger {
	return Wrap(zerolog.New(w).Level(level).With().Timestamp().Logger())
}

// Pretty writes human readable lines, colored only on a terminal.
func Pretty(w io.Writer, level zerolog.Level) Logger {
	f, isFile := w.(*os.File)
	out := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
		NoColor:    !isFile || !term.IsTerminal(int(f.Fd())),
	}
	return Wrap(zerolog.New(out).Level(level).With().Timestamp().Logger())
}

// New picks the output by format name: "json", or "pretty" for anything
// else. level is parsed with ParseLevel.
func New(w io.Writer, format, level string) Logger {
	if strings.EqualFold(format, "json") {
		return JSON(w, ParseLevel(level))
	}
	return Pretty(w, ParseLevel(level))
}

// FromContext retrieves a Logger from the context.
// If no logger is found, returns a default logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return Default()
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type loggerKey struct{}

func (l *ZeroLogger) Debug(msg string, args ...any) { l.emit(l.z.Debug(), msg, args) }
func (l *ZeroLogger) Info(msg string, args ...any) { l.emit(l.z.Info(), msg, args) }
func (l *ZeroLogger) Warn(msg string, args ...any) { l.emit(l.z.Warn(), msg, args) }
func (l *ZeroLogger) Error(msg string, args ...any) { l.emit(l.z.Error(), msg, args) }

func (l *ZeroLogger) With(args ...any) Logger {
	return &ZeroLogger{z: addFields(l.z.With(), l.group, args).Logger(), group: l.group}
}

// WithGroup prefixes later keys with name and a dot.
func (l *ZeroLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	if l.group != "" {
		name = l.group + "." + name
	}
	return &ZeroLogger{z: l.z, group: name}
}

func (l *ZeroLogger) emit(e *zerolog.Event, msg string, args []any) {
	// nil when the level is disabled
	if e == nil {
		return
	}
	addFields(e, l.group, args).Msg(msg)
}

// fielder is satisfied by both *zerolog.Event and zerolog.Context.
type fielder[T any] interface {
	AnErr(key string, err error) T
	Interface(key string, v any) T
}

// addFields appends key/value pairs to dst. A trailing key without a value
// is written under "!BADKEY", matching log/slog.
func addFields[T fielder[T]](dst T, group string, args []any) T {
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			return dst.Interface("!BADKEY", args[i])
		}
		key := fmt.Sprint(args[i])
		if group != "" {
			key = group + "." + key
		}
		if err, ok := args[i+1].(error); ok {
			dst = dst.AnErr(key, err)
		} else {
			dst = dst.Interface(key, args[i+1])
		}
	}
	return dst
}

// ParseLevel maps a level name to zerolog. Unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
