// Package relay implements the STT relay core: per-session state, the
// session registry, the upstream connector, and the orchestrating Service.
//
// The relay holds one persistent upstream transcription connection per
// session, forwards PCM audio with bounded latency, accumulates the
// authoritative transcript for each recording turn, and returns it on demand
// through the finalization handshake — while riding out transient upstream
// failures with bounded buffering and backoff reconnection.
package relay

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/voicewire/sttrelay/pkg/upstream"
)

// ErrorKind categorises an upstream failure for retry decisions.
type ErrorKind string

const (
	// ErrorFatal is a client-fault failure (4xx); retrying cannot help.
	ErrorFatal ErrorKind = "fatal"

	// ErrorRetryable is a server-side failure (429/5xx) worth retrying.
	ErrorRetryable ErrorKind = "retryable"

	// ErrorTimeout is a network or timeout failure; always retryable.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorUnknown is anything unrecognised. Treated as retryable so a
	// misclassified transient fault cannot strand a session.
	ErrorUnknown ErrorKind = "unknown"
)

// Classified is the result of Classify: the error category, whether
// reconnection should be attempted, the extracted HTTP status (0 when none),
// a normalised message, and the original error.
type Classified struct {
	Kind       ErrorKind
	Retryable  bool
	StatusCode int
	Message    string
	Err        error
}

// Status-extraction patterns for errors that only carry a message, e.g.
// "HTTP 401: Unauthorized" or "502: bad gateway".
var (
	httpStatusPattern  = regexp.MustCompile(`HTTP\s+(\d+)`)
	leadingCodePattern = regexp.MustCompile(`^(\d+):`)
)

// networkIndicators are message substrings (matched case-insensitively) that
// mark a failure as a network or timeout error.
var networkIndicators = []string{
	"econnrefused", "etimedout", "econnreset",
	"network", "timeout", "socket", "closed", "websocket",
}

// Classify maps a raw upstream error to its category. It is a pure function
// of the error's status, code, and message: repeated calls on the same error
// return the same result.
//
// A structured status (upstream.Error.Status, then .Code) takes precedence
// over anything parsed out of the message text.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Kind: ErrorUnknown, Retryable: true, Message: "Unknown error"}
	}

	msg := err.Error()
	status := extractStatus(err, msg)

	switch {
	// 429 is retryable despite being a 4xx; check it before the fatal range.
	case status == 429 || (status >= 500 && status < 600):
		return Classified{
			Kind:       ErrorRetryable,
			Retryable:  true,
			StatusCode: status,
			Message:    serverErrorMessage(status),
			Err:        err,
		}
	case status >= 400 && status < 500:
		return Classified{
			Kind:       ErrorFatal,
			Retryable:  false,
			StatusCode: status,
			Message:    clientErrorMessage(status),
			Err:        err,
		}
	}

	lower := strings.ToLower(msg)
	for _, indicator := range networkIndicators {
		if strings.Contains(lower, indicator) {
			return Classified{
				Kind:      ErrorTimeout,
				Retryable: true,
				Message:   "Network or timeout error",
				Err:       err,
			}
		}
	}

	if msg == "" {
		msg = "Unknown error"
	}
	return Classified{Kind: ErrorUnknown, Retryable: true, Message: msg, Err: err}
}

// extractStatus pulls a status code out of err. Precedence: structured Status
// field, then structured Code field when it looks like an HTTP status, then
// the message patterns.
func extractStatus(err error, msg string) int {
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		if uerr.Status != 0 {
			return uerr.Status
		}
		if uerr.Code >= 400 && uerr.Code < 600 {
			return uerr.Code
		}
	}

	if m := httpStatusPattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := leadingCodePattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 400 && n < 600 {
			return n
		}
	}
	return 0
}

// clientErrorMessage maps a 4xx status to its normalised message.
func clientErrorMessage(status int) string {
	switch status {
	case 400:
		return "Invalid request configuration"
	case 401:
		return "Invalid API key"
	case 403:
		return "Access forbidden"
	case 404:
		return "Endpoint not found"
	default:
		return fmt.Sprintf("Client error %d", status)
	}
}

// serverErrorMessage maps a 429/5xx status to its normalised message.
func serverErrorMessage(status int) string {
	switch status {
	case 429:
		return "Rate limit exceeded"
	case 500:
		return "Server error"
	case 502:
		return "Bad gateway"
	case 503:
		return "Service unavailable"
	case 504:
		return "Gateway timeout"
	default:
		return fmt.Sprintf("Server error %d", status)
	}
}
