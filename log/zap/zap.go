// Package zap adapts *zap.Logger to flashsale.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/flashsale"
)

var _ flashsale.Logger = Logger{}

type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger { return Logger{L: l} }

// Named returns a logger scoped to a component, e.g. "seckill".
func (z Logger) Named(name string) Logger { return Logger{L: z.L.Named(name)} }

func (z Logger) Debug(msg string, f flashsale.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f flashsale.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f flashsale.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f flashsale.Fields) { z.L.Error(msg, fields(f)...) }

// fields emits keys in sorted order so log lines are stable.
func fields(f flashsale.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
