// Package observability provides the structured logger used throughout
// the server, and the fx wiring to make it available to every component.
package observability

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide zap logger: zap's production
// configuration (JSON output to stderr), info level and above.
func NewLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewSugaredLogger adapts the base logger to the sugared API used by
// every package in this module.
func NewSugaredLogger(l *zap.Logger) *zap.SugaredLogger {
	return l.Sugar()
}
