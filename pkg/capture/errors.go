package capture

import "fmt"

// TransientError signals display loss or another recoverable condition;
// it triggers a reinit loop and is never surfaced to a session consumer.
type TransientError struct {
	Stage string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error at %s: %v", e.Stage, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SessionFatalError ends one session (build, convert or encode failure)
// without affecting the rest of the pipeline.
type SessionFatalError struct {
	Stage string
	Err   error
}

func (e *SessionFatalError) Error() string {
	return fmt.Sprintf("session-fatal error at %s: %v", e.Stage, e.Err)
}

func (e *SessionFatalError) Unwrap() error { return e.Err }

// PipelineFatalError ends an entire pipeline: no usable encoder on
// probe, or the capture thread cannot open a display after retries.
type PipelineFatalError struct {
	Stage string
	Err   error
}

func (e *PipelineFatalError) Error() string {
	return fmt.Sprintf("pipeline-fatal error at %s: %v", e.Stage, e.Err)
}

func (e *PipelineFatalError) Unwrap() error { return e.Err }

// ProbeFailureError marks a single (encoder, config) probe combination
// as failed; the registry leaves the corresponding capability bit false
// and continues probing the others independently.
type ProbeFailureError struct {
	Encoder string
	Codec   VideoFormat
	Err     error
}

func (e *ProbeFailureError) Error() string {
	return fmt.Sprintf("probe failed for %s/%s: %v", e.Encoder, e.Codec, e.Err)
}

func (e *ProbeFailureError) Unwrap() error { return e.Err }
