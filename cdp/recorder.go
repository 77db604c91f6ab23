package cdp

import "time"

// Recorder receives operational measurements. *metrics.Collector
// implements it; NopRecorder discards everything.
type Recorder interface {
	RecordProbe(port int, found, filtered int, err error)
	RecordConnect(success bool, duration time.Duration)
	RecordSessions(n int)
	RecordEvaluate(outcome string, duration time.Duration)
}

// Evaluate outcomes reported to Recorder.
const (
	OutcomeOK            = "ok"
	OutcomeException     = "exception"
	OutcomeTimeout       = "timeout"
	OutcomeNoSession     = "no_session"
	OutcomeClosed        = "closed"
	OutcomeProtocolError = "protocol_error"
	OutcomeCanceled      = "canceled"
	OutcomeError         = "error"
)

// NopRecorder implements Recorder with no-ops.
type NopRecorder struct{}

func (NopRecorder) RecordProbe(int, int, int, error)     {}
func (NopRecorder) RecordConnect(bool, time.Duration)    {}
func (NopRecorder) RecordSessions(int)                   {}
func (NopRecorder) RecordEvaluate(string, time.Duration) {}
