package shardq

import (
	"context"
	"log/slog"

	"github.com/andreyvit/shardq/kv"
)

// Flip on to trace every cursor movement of field index scans.
const debugLogScans = false

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var discardLogger = slog.New(discardHandler{})

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return discardLogger
}

func keyAttr(key string, k kv.Key) slog.Attr {
	return slog.String(key, k.String())
}
