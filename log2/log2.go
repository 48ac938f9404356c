// Package log2 is a small level-filtered logger.
//
// It exists for two reasons that the standard library's *log.Logger does
// not cover on its own: safe concurrent changes to the active level, and
// the ability to route output through testing.TB.Logf so that parallel
// tests do not interleave garbage on stdout.
package log2

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
)

// Log is a level-filtered logger safe for concurrent use.
// The zero value is not usable; construct with NewStderr/NewWriter/NewTest.
type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf Func
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type Func func(format string, args ...interface{})
type funcWriter struct{ Func }

func NewFunc(f Func, level Level) *Log { return NewWriter(funcWriter{f}, level) }

func (fw funcWriter) Write(b []byte) (int, error) {
	fw.Func(string(b))
	return len(b), nil
}

// NewTest routes log output through t.Logf, attributing failures to t.Fatalf.
func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	return l
}

// Clone returns a logger writing to the same destination with an
// independent level.
func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	clone := NewWriter(l.w, level)
	clone.SetFlags(l.l.Flags())
	return clone
}

func (l *Log) SetLevel(level Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(level))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(level)
}

func (l *Log) Log(level Level, s string) {
	if l.Enabled(level) {
		l.l.Output(3, s)
	}
}

func (l *Log) Logf(level Level, format string, args ...interface{}) {
	if l.Enabled(level) {
		l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) { l.Log(LError, "error: "+fmt.Sprint(args...)) }
func (l *Log) Errorf(format string, args ...interface{}) {
	l.Logf(LError, "error: "+format, args...)
}
func (l *Log) Info(args ...interface{})           { l.Log(LInfo, fmt.Sprint(args...)) }
func (l *Log) Infof(format string, args ...interface{}) { l.Logf(LInfo, format, args...) }
func (l *Log) Debug(args ...interface{})          { l.Log(LDebug, "debug: "+fmt.Sprint(args...)) }
func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
