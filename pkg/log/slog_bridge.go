package log

import (
	"context"
	"log/slog"
)

// bridgeHandler is a slog.Handler that routes records through the logger's
// formatter/outputs pipeline.
type bridgeHandler struct {
	logger *BaseLogger
	attrs  []slog.Attr
	group  string
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	return &bridgeHandler{logger: logger}
}

// Enabled gates by the BaseLogger level.
func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return toSlogLevel(h.logger.level) <= level
}

// Handle converts the slog record to an Entry and writes it through the
// logger's formatter and outputs.
func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	fields := Fields{}
	for i := range h.attrs {
		a := h.attrs[i]
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
	}

	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// WithAttrs returns a copy of the handler with additional base attributes.
func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	if len(attrs) > 0 {
		nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	}
	return &nh
}

// WithGroup returns a copy of the handler; grouping is stored but otherwise
// not used by the pipeline.
func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.group = name
	return &nh
}

// toSlogLevel maps our Level to slog.Level.
func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel, FatalLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fromSlogLevel maps slog.Level to our Level.
func fromSlogLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level == slog.LevelInfo:
		return InfoLevel
	case level == slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// attrsFromFieldSlice converts a Field slice to slog attrs.
func attrsFromFieldSlice(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}
