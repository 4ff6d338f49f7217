package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface to our internal logger. Every logging method
// accepts a message followed by alternating key/value pairs.
type Logger interface {
	Debug(msg string, kvpairs ...interface{})
	Info(msg string, kvpairs ...interface{})
	Warn(msg string, kvpairs ...interface{})
	Error(msg string, kvpairs ...interface{})
	SetField(key string, val interface{})
	PushFields()
	PopFields()
	// With returns a child logger that carries the given key/value pairs in
	// addition to this logger's current fields.
	With(kvpairs ...interface{}) Logger
}

// LogrusLogger is a thread-safe logger whose fields persist across calls and
// can be pushed/popped.
type LogrusLogger struct {
	mtx             sync.Mutex
	entry           *logrus.Entry
	component       string
	fields          logrus.Fields
	pushedFieldSets []logrus.Fields
}

// NoopLogger implements Logger, but discards everything.
type NoopLogger struct{}

var _ Logger = (*LogrusLogger)(nil)
var _ Logger = (*NoopLogger)(nil)

// Configure sets up the global logrus instance from command line options.
func Configure(verbose bool, format string, out io.Writer) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format: %q", format)
	}
	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}

// NewLogrusLogger will instantiate a logger for the given component name.
func NewLogrusLogger(component string, kvpairs ...interface{}) Logger {
	var entry *logrus.Entry
	if len(component) > 0 {
		entry = logrus.WithField("ctx", component)
	} else {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogrusLogger{
		entry:     entry,
		component: component,
		fields:    serializeKVPairs(kvpairs...),
	}
}

func serializeKVPairs(kvpairs ...interface{}) logrus.Fields {
	res := make(logrus.Fields)
	if (len(kvpairs) % 2) != 0 {
		return res
	}
	for i := 0; i < len(kvpairs); i += 2 {
		key, ok := kvpairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvpairs[i])
		}
		val := kvpairs[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		res[key] = val
	}
	return res
}

func (l *LogrusLogger) entryWith(kvpairs ...interface{}) *logrus.Entry {
	e := l.entry
	if len(l.fields) > 0 {
		e = e.WithFields(l.fields)
	}
	if extra := serializeKVPairs(kvpairs...); len(extra) > 0 {
		e = e.WithFields(extra)
	}
	return e
}

func (l *LogrusLogger) Debug(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.entryWith(kvpairs...).Debugln(msg)
}

func (l *LogrusLogger) Info(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.entryWith(kvpairs...).Infoln(msg)
}

func (l *LogrusLogger) Warn(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.entryWith(kvpairs...).Warnln(msg)
}

func (l *LogrusLogger) Error(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.entryWith(kvpairs...).Errorln(msg)
}

func (l *LogrusLogger) SetField(key string, val interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.fields[key] = val
}

// PushFields saves a copy of the current field set so that subsequent calls to
// SetField can be undone with PopFields.
func (l *LogrusLogger) PushFields() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	saved := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		saved[k] = v
	}
	l.pushedFieldSets = append(l.pushedFieldSets, saved)
}

func (l *LogrusLogger) PopFields() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	n := len(l.pushedFieldSets)
	if n > 0 {
		l.fields = l.pushedFieldSets[n-1]
		l.pushedFieldSets = l.pushedFieldSets[:n-1]
	}
}

func (l *LogrusLogger) With(kvpairs ...interface{}) Logger {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	fields := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range serializeKVPairs(kvpairs...) {
		fields[k] = v
	}
	return &LogrusLogger{
		entry:     l.entry,
		component: l.component,
		fields:    fields,
	}
}

//
// NoopLogger
//

// NewNoopLogger will instantiate a logger that does nothing when called.
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, kvpairs ...interface{}) {}
func (l *NoopLogger) Info(msg string, kvpairs ...interface{})  {}
func (l *NoopLogger) Warn(msg string, kvpairs ...interface{})  {}
func (l *NoopLogger) Error(msg string, kvpairs ...interface{}) {}
func (l *NoopLogger) SetField(key string, val interface{})     {}
func (l *NoopLogger) PushFields()                              {}
func (l *NoopLogger) PopFields()                               {}
func (l *NoopLogger) With(kvpairs ...interface{}) Logger       { return l }
