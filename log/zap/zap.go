package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache"
)

// ZapLogger adapts a *zap.Logger to quizcache.Logger.
type ZapLogger struct{ L *zap.Logger }

var _ quizcache.Logger = ZapLogger{}

// New names the logger "quizcache" so cache lines are easy to filter.
func New(l *zap.Logger) ZapLogger { return ZapLogger{L: l.Named("quizcache")} }

func (z ZapLogger) Debug(msg string, f quizcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f quizcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f quizcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f quizcache.Fields) { z.L.Error(msg, zf(f)...) }

// zf converts fields in key order; errors become zap.NamedError so they
// render as strings instead of empty objects.
func zf(f quizcache.Fields) []zap.Field {
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
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
