package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/vigil/sym"
)

// Symbol-aware helpers. The glyph goes in the symbol field, never the message,
// so logs stay queryable by subsystem.

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	log.Infow(msg, withSymbol(sym.Pulse, keysAndValues)...)
}

// PulseWarnw logs a warning with the Pulse symbol (꩜)
func PulseWarnw(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	log.Warnw(msg, withSymbol(sym.Pulse, keysAndValues)...)
}

// PulseOpenInfow logs graceful startup with the PulseOpen symbol (✿)
func PulseOpenInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	log.Infow(msg, withSymbol(sym.PulseOpen, keysAndValues)...)
}

// PulseCloseInfow logs graceful shutdown with the PulseClose symbol (❀)
func PulseCloseInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	log.Infow(msg, withSymbol(sym.PulseClose, keysAndValues)...)
}

// GateWarnw logs a guardrail block with the Gate symbol
func GateWarnw(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	log.Warnw(msg, withSymbol(sym.Gate, keysAndValues)...)
}

func withSymbol(symbol string, keysAndValues []interface{}) []interface{} {
	fields := make([]interface{}, 0, len(keysAndValues)+2)
	fields = append(fields, FieldSymbol, symbol)
	return append(fields, keysAndValues...)
}
