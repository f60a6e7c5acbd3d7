package logger

import (
	"github.com/teranos/nebular/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol goes into a structured field, not the message, so logs stay
// queryable by subsystem.
//
//	log := logger.AddPulseSymbol(base)
//	log.Infow("Pull started", "run_id", id)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddFeedSymbol wraps a logger with the Feed symbol (⌁)
func AddFeedSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Feed)
}

// AddEventSymbol wraps a logger with the Event symbol (⟿)
func AddEventSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Event)
}

// OrNop returns l, or a no-op logger when l is nil.
// Components accept optional loggers; tests usually pass nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
