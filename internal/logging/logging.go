// Package logging provides the plugin's structured logging, wired to
// three independently level-gated sinks (stdout, rotated log file, and a
// separate JS-console log file) per spec §6's -s/-f/-j CLI flags.
package logging

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Level mirrors the CLI's 0..5 numbering (Debug..Off); it is distinct
// from logrus.Level so the "Off" value (no ecosystem equivalent) has a
// home.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelOff
)

// ParseLevel converts the CLI's numeric level argument. Out-of-range
// values clamp to the nearest valid level.
func ParseLevel(n int) Level {
	switch {
	case n <= int(LevelDebug):
		return LevelDebug
	case n >= int(LevelOff):
		return LevelOff
	default:
		return Level(n)
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel
	}
}

// Sink is one independently-configured logrus logger plus the level it
// was given (kept for Off handling, since logrus has no "never write"
// level of its own).
type Sink struct {
	*logrus.Logger
	level Level
}

func newSink(level Level, out io.Writer, colorize bool) *Sink {
	l := logrus.New()
	if level == LevelOff {
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.PanicLevel + 1) // effectively silent; PanicLevel entries are still recovered by callers
	} else {
		l.SetOutput(out)
		l.SetLevel(level.logrusLevel())
	}
	if colorize {
		l.SetFormatter(&colorTextFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return &Sink{Logger: l, level: level}
}

// Logger bundles the three sinks named in spec §6: stdout, log file,
// and jsfile (the JS-console log file). The jsengine console object
// does not write to the JSFile sink; its methods discard their
// arguments.
type Logger struct {
	Stdout *Sink
	File   *Sink
	JSFile *Sink
}

// Config carries the three independent level settings plus the file
// writers the (out-of-scope) rotator hands us.
type Config struct {
	StdoutLevel Level
	FileLevel   Level
	JSFileLevel Level
	FileWriter  io.Writer // nil => io.Discard
	JSWriter    io.Writer // nil => io.Discard
}

// New builds a Logger from Config. Colorization on stdout is applied only
// when stdout is a real terminal, matching the CLI-banner convention
// observed in the pack.
func New(cfg Config) *Logger {
	colorize := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""
	fw := cfg.FileWriter
	if fw == nil {
		fw = io.Discard
	}
	jw := cfg.JSWriter
	if jw == nil {
		jw = io.Discard
	}
	return &Logger{
		Stdout: newSink(cfg.StdoutLevel, os.Stdout, colorize),
		File:   newSink(cfg.FileLevel, fw, false),
		JSFile: newSink(cfg.JSFileLevel, jw, false),
	}
}

// colorTextFormatter wraps logrus.TextFormatter's level tag in color,
// matching the small CLI-banner colorization idiom used elsewhere in the
// pack rather than hand-rolling an ANSI formatter from scratch.
type colorTextFormatter struct{}

func (f *colorTextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var tag *color.Color
	switch entry.Level {
	case logrus.DebugLevel:
		tag = color.New(color.FgCyan)
	case logrus.InfoLevel:
		tag = color.New(color.FgGreen)
	case logrus.WarnLevel:
		tag = color.New(color.FgYellow)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		tag = color.New(color.FgRed)
	default:
		tag = color.New()
	}
	base := &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
	line, err := base.Format(entry)
	if err != nil {
		return nil, err
	}
	return []byte(tag.Sprint(string(line))), nil
}
