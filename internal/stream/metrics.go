package stream

import "sync/atomic"

type metrics struct {
	sessionsStarted atomic.Uint64
	sessionsStopped atomic.Uint64
	framesCaptured  atomic.Uint64
	framesProcessed atomic.Uint64
	framesDetected  atomic.Uint64
	detectFailures  atomic.Uint64
	detectNanos     atomic.Uint64
	encodeErrors    atomic.Uint64
	partsWritten    atomic.Uint64
	updatesEmitted  atomic.Uint64
	recordErrors    atomic.Uint64
	summaryErrors   atomic.Uint64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"sessions_started_total": m.sessionsStarted.Load(),
		"sessions_stopped_total": m.sessionsStopped.Load(),
		"frames_captured_total":  m.framesCaptured.Load(),
		"frames_processed_total": m.framesProcessed.Load(),
		"frames_detected_total":  m.framesDetected.Load(),
		"detect_failures_total":  m.detectFailures.Load(),
		"detect_nanos_total":     m.detectNanos.Load(),
		"encode_errors_total":    m.encodeErrors.Load(),
		"parts_written_total":    m.partsWritten.Load(),
		"updates_emitted_total":  m.updatesEmitted.Load(),
		"record_errors_total":    m.recordErrors.Load(),
		"summary_errors_total":   m.summaryErrors.Load(),
	}
}
