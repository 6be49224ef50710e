package surface

import (
	"io"
	"log"
	"sync"
)

// Stream selects one of the reconstruction log streams.
type Stream int

const (
	// Ops carries progress, skipped clouds and lifecycle events.
	Ops Stream = iota
	// Diag carries per-cloud merge statistics and degenerate lookups.
	Diag
	// Trace carries per-filter and per-point detail.
	Trace

	numStreams
)

func (s Stream) String() string {
	switch s {
	case Ops:
		return "ops"
	case Diag:
		return "diag"
	case Trace:
		return "trace"
	}
	return "unknown"
}

const logPrefix = "[reconstruction] "

// LogWriters holds the destination of each stream. A nil writer disables
// that stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// WritersFor sends ops to w, and diag and trace to w when enabled. Trace
// implies diag.
func WritersFor(w io.Writer, diag, trace bool) LogWriters {
	lw := LogWriters{Ops: w}
	if diag || trace {
		lw.Diag = w
	}
	if trace {
		lw.Trace = w
	}
	return lw
}

var (
	mu      sync.RWMutex
	loggers [numStreams]*log.Logger
)

// SetLogWriters replaces all three streams at once.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	for s, out := range [numStreams]io.Writer{Ops: w.Ops, Diag: w.Diag, Trace: w.Trace} {
		if out == nil {
			loggers[s] = nil
			continue
		}
		loggers[s] = log.New(out, logPrefix, log.LstdFlags|log.Lmicroseconds)
	}
}

// Enabled reports whether s has a writer.
func Enabled(s Stream) bool {
	return logger(s) != nil
}

func logger(s Stream) *log.Logger {
	if s < 0 || s >= numStreams {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	return loggers[s]
}

func logf(s Stream, format string, args ...interface{}) {
	if l := logger(s); l != nil {
		l.Printf(format, args...)
	}
}

func Opsf(format string, args ...interface{})   { logf(Ops, format, args...) }
func Diagf(format string, args ...interface{})  { logf(Diag, format, args...) }
func Tracef(format string, args ...interface{}) { logf(Trace, format, args...) }

// TraceEnabled lets hot loops skip formatting per-point messages.
func TraceEnabled() bool { return Enabled(Trace) }
