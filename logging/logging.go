// Package logging wires structured logging via go.uber.org/zap, tagging
// every logger with the component and domain it speaks for.
package logging

import (
	"go.uber.org/zap"
)

// New returns a production zap.Logger pre-tagged with component/domain
// fields, matching the field-based tracing style the coordinators use
// throughout.
func New(component, domain string) *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String("component", component), zap.String("domain", domain))
}

// NewDevelopment returns a human-readable logger for cmd/ binaries run
// outside a container, and for tests.
func NewDevelopment(component string) *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String("component", component))
}
