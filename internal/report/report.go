// Package report is the error sink for swallowed failures. The ingestion
// pipeline deliberately keeps processing after identity or clock errors; this
// is where those errors land so they remain visible.
package report

import (
	"go.uber.org/zap"
)

// Reporter receives errors that were handled rather than propagated, together
// with whatever context (usually the offending event) the caller attaches.
type Reporter interface {
	Capture(err error, context map[string]interface{})
}

// ZapReporter logs captured errors at error level. Deployments that ship
// errors to an external tracker wrap or replace this.
type ZapReporter struct {
	log *zap.Logger
}

func NewZapReporter(log *zap.Logger) *ZapReporter {
	return &ZapReporter{log: log}
}

func (r *ZapReporter) Capture(err error, context map[string]interface{}) {
	fields := make([]zap.Field, 0, len(context)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range context {
		fields = append(fields, zap.Any(k, v))
	}
	r.log.Error("captured error", fields...)
}

var _ Reporter = (*ZapReporter)(nil)

// Nop discards everything. Test helper.
type Nop struct{}

func (Nop) Capture(error, map[string]interface{}) {}
