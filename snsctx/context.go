// Package snsctx carries per-call flags through context.Context.
package snsctx

import (
	"context"
	"encoding/hex"
	"log/slog"
)

type ctxIndex int

const ctxIndexVerbose ctxIndex = iota

// IsVerbose reports whether raw bus and adapter traffic should be dumped.
func IsVerbose(ctx context.Context) bool {
	val := ctx.Value(ctxIndexVerbose)
	if val == nil {
		return false
	}
	return val.(bool)
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// Dump logs data as a hex dump at debug level when ctx is verbose.
func Dump(ctx context.Context, l *slog.Logger, msg string, data []byte) {
	if !IsVerbose(ctx) {
		return
	}
	l.DebugContext(ctx, msg, "len", len(data), "dump", "\n"+hex.Dump(data))
}
