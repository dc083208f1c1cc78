// Package upstream defines the contract between the relay core and a
// streaming transcription provider (e.g., Deepgram).
//
// A provider wraps a real-time transcription service behind a WebSocket-style
// connection. The central abstraction is Conn: once opened, a connection
// accepts raw PCM16 audio chunks and emits a single ordered stream of Event
// values — interim and final transcripts, the end-of-stream metadata
// acknowledgement, speech markers, and the terminal close/error events.
//
// Implementations must be safe for concurrent use. The Events channel is the
// only delivery path for provider output; it is closed once the connection is
// fully torn down so consumers can range over it.
package upstream

import (
	"context"
	"fmt"
)

// StreamConfig describes the audio format and recognition settings for a new
// streaming connection. All fields must be compatible with what the underlying
// provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The relay accepts
	// 8000..48000; 16000 is the STT-optimised default.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// providers). Zero is treated as 1.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string uses the provider default.
	Language string

	// Model selects a provider-specific model (e.g., "nova-3"). An empty
	// string uses the provider default.
	Model string
}

// Transcript is a single recognition result carried by EventTranscript.
type Transcript struct {
	// Text is the transcribed speech content of the first alternative.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// IsFinal indicates whether this is a final (authoritative) or interim
	// result.
	IsFinal bool
}

// EventKind enumerates the semantic events a provider connection can emit.
type EventKind int

const (
	// EventOpen signals that the connection reached the open state. Providers
	// whose dial already implies open may never emit it; consumers must treat
	// it as informational.
	EventOpen EventKind = iota

	// EventTranscript carries an interim or final Transcript.
	EventTranscript

	// EventMetadata is the provider's acknowledgement that it has emitted its
	// final transcript for the current stream (sent in response to the
	// end-of-stream terminator).
	EventMetadata

	// EventSpeechStarted marks detected speech onset.
	EventSpeechStarted

	// EventUtteranceEnd marks the end of a spoken utterance.
	EventUtteranceEnd

	// EventClose reports that the provider closed the connection. It is the
	// last event before the Events channel is closed, unless an EventError
	// precedes it.
	EventClose

	// EventError reports a connection-level failure. A close event follows.
	EventError
)

// String returns the lower-camel event name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventTranscript:
		return "transcript"
	case EventMetadata:
		return "metadata"
	case EventSpeechStarted:
		return "speechStarted"
	case EventUtteranceEnd:
		return "utteranceEnd"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged union delivered on Conn.Events. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind EventKind

	// Transcript is set for EventTranscript.
	Transcript Transcript

	// Code and Reason are set for EventClose (WebSocket close status and
	// reason text).
	Code   int
	Reason string

	// Err is set for EventError.
	Err error
}

// Conn is an open streaming transcription connection.
//
// Callers must call Close when the connection is no longer needed; failing to
// do so leaks goroutines and the underlying network connection. All methods
// are safe for concurrent use.
type Conn interface {
	// SendAudio delivers a chunk of raw PCM16 audio to the provider. Calling
	// SendAudio after the connection has closed returns an error.
	SendAudio(chunk []byte) error

	// KeepAlive sends the provider's keepalive control frame to prevent
	// idle-timeout closure.
	KeepAlive() error

	// Finalize sends the provider's end-of-stream terminator frame, asking it
	// to flush in-flight audio and emit a metadata acknowledgement. It does
	// not close the connection.
	Finalize() error

	// Ready reports whether the connection currently accepts frames.
	Ready() bool

	// Events returns the ordered event stream. The channel is closed after
	// the terminal close event has been delivered.
	Events() <-chan Event

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Client opens streaming connections to one transcription provider.
//
// Implementations must be safe for concurrent use; multiple connections may
// be open simultaneously (one per relay session).
type Client interface {
	// Connect opens a new streaming connection with the given configuration.
	// The returned Conn is ready to accept audio immediately. The context
	// bounds only the connection attempt, not the connection lifetime.
	Connect(ctx context.Context, cfg StreamConfig) (Conn, error)
}

// Error is a classified-friendly provider error. Providers populate Status
// with the HTTP status of a rejected handshake and Code with the WebSocket
// close status when one applies; either may be zero when unknown.
type Error struct {
	// Status is the HTTP status code, when the failure carries one.
	Status int

	// Code is a provider or transport error code (e.g., WebSocket close
	// status), when the failure carries one.
	Code int

	// Message is the human-readable failure description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream: HTTP %d: %s", e.Status, e.Message)
	}
	if e.Code != 0 {
		return fmt.Sprintf("upstream: %d: %s", e.Code, e.Message)
	}
	return "upstream: " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }
