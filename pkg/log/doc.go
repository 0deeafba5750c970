// Package log provides Harvest's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by the standard
// library's slog via a bridge handler that routes records through the
// formatter/outputs pipeline, so output stays consistent across the codebase
// while remaining interoperable with the slog ecosystem.
//
// Quick start:
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("collector"))
//	l.Info("leased items", log.Int("count", 8))
//
// To integrate with libraries expecting the standard library *log.Logger
// (Pebble among them), use RedirectStdLog.
package log
