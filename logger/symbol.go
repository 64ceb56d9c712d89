package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/studioos/sym"
)

// Subsystem symbols travel as a structured field, never inside the message,
// so logs stay filterable:
//
//	logger.AddPulseSymbol(log).Infow("Job started", logger.FieldJobID, id)

// WithSymbol tags every entry of l with symbol
func WithSymbol(l *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	return l.With(FieldSymbol, symbol)
}

// AddPulseSymbol tags a job engine logger (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Pulse)
}

// AddDeliverySymbol tags a delivery logger (⟶)
func AddDeliverySymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Delivery)
}

// DBInfow logs a database event on the global logger (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	WithSymbol(Logger, sym.DB).Infow(msg, keysAndValues...)
}
