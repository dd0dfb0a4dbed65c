package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Dir    string
	Level  string
	Format string
}

var errorLogger = newStderrLogger()
var infoLogger = errorLogger

func newStderrLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

/*
InitLogger routes info/debug/warn output to info.log and errors to error.log inside opts.Dir.
Both are rotated by lumberjack; info output is mirrored to stdout.
*/
func InitLogger(opts Options) error {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return err
		}
	}

	infoLogger = newFileLogger(filepath.Join(opts.Dir, "info.log"), level, opts.Format, os.Stdout)
	errorLogger = newFileLogger(filepath.Join(opts.Dir, "error.log"), level, opts.Format, os.Stderr)
	return nil
}

func newFileLogger(path string, level logrus.Level, format string, mirror io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(io.MultiWriter(mirror, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}))
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func LogError(err error) {
	if err == nil {
		return
	}
	errorLogger.WithField("caller", caller()).Error(err.Error())
}

func LogWarn(format string, v ...any) {
	infoLogger.WithField("caller", caller()).Warnf(format, v...)
}

func LogInfo(format string, v ...any) {
	infoLogger.WithField("caller", caller()).Infof(format, v...)
}

func LogDebug(format string, v ...any) {
	infoLogger.WithField("caller", caller()).Debugf(format, v...)
}
