package core

import "go.uber.org/zap"

// ZapLogger adapts a zap.SugaredLogger to the service Logger interface.
type ZapLogger struct {
	base *zap.SugaredLogger
}

// NewZapLogger wraps the supplied zap logger. A nil logger yields a no-op
// production logger so callers can pass the result of zap.NewNop directly
// or nothing at all.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{base: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, keyvals ...any) { z.base.Debugw(msg, keyvals...) }
func (z *ZapLogger) Info(msg string, keyvals ...any)  { z.base.Infow(msg, keyvals...) }
func (z *ZapLogger) Warn(msg string, keyvals ...any)  { z.base.Warnw(msg, keyvals...) }
func (z *ZapLogger) Error(msg string, keyvals ...any) { z.base.Errorw(msg, keyvals...) }
