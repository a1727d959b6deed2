// Package relay implements the per-channel streaming sessions: the fMP4
// segmenter, the session state machine, the registry with admission
// control, and the subscriber fan-out.
package relay

import "errors"

// ErrAdmissionDenied is returned when the parallel-stream cap is reached.
var ErrAdmissionDenied = errors.New("maximum parallel streams reached")

// ErrSessionClosed is returned when attaching to a draining or terminated
// session.
var ErrSessionClosed = errors.New("session closed")

// ErrSlowConsumer is returned to a subscriber disconnected for sustained
// queue overflow.
var ErrSlowConsumer = errors.New("subscriber too slow, disconnected")

// ErrStartupTimeout is returned when no init segment or keyframe arrives
// within the startup budget.
var ErrStartupTimeout = errors.New("timeout waiting for stream startup")

// ErrParse is returned when the fMP4 byte stream is malformed or a box
// exceeds the reassembly bound.
var ErrParse = errors.New("fmp4 parse error")

// ErrTranscoderExited is returned to subscribers when the subprocess died
// unexpectedly.
var ErrTranscoderExited = errors.New("transcoder exited")
