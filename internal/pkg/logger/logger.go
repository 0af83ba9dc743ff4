// Package logger configures the process-wide logrus logger and keeps
// recipient addresses out of log output.
package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. format is "json" or "text".
func Setup(level, format string) error {
	return configure(logrus.StandardLogger(), level, format, os.Stderr)
}

func configure(l *logrus.Logger, level, format string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)
	l.SetOutput(out)

	switch strings.ToLower(format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format %q is not one of json, text", format)
	}

	l.ReplaceHooks(make(logrus.LevelHooks))
	l.AddHook(RedactHook{})
	return nil
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// RedactHook masks e-mail addresses in the message and string fields of every entry.
type RedactHook struct{}

// Levels implements logrus.Hook.
func (RedactHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (RedactHook) Fire(e *logrus.Entry) error {
	e.Message = emailRegex.ReplaceAllStringFunc(e.Message, RedactEmail)
	for k, v := range e.Data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		e.Data[k] = redactPIIValue(k, s)
	}
	return nil
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
