package log

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
)

// ConsoleOutput writes formatted entries to stderr.
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutput returns an output writing to stderr.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{w: os.Stderr}
}

// NewWriterOutput returns an output writing to w. Useful in tests.
func NewWriterOutput(w io.Writer) *ConsoleOutput {
	return &ConsoleOutput{w: w}
}

// Write implements Output.
func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(formatted)
	return err
}

// Close implements Output.
func (o *ConsoleOutput) Close() error { return nil }

// NullOutput discards all entries.
type NullOutput struct{}

// Write implements Output.
func (NullOutput) Write(*Entry, []byte) error { return nil }

// Close implements Output.
func (NullOutput) Close() error { return nil }

// RedirectStdLog routes standard library log output (used by Pebble and
// friends) through the given logger at InfoLevel.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogBridge{logger: logger})
}

type stdLogBridge struct {
	logger Logger
}

func (b stdLogBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), Component("stdlog"))
	return len(p), nil
}
