package relay

import (
	"errors"
	"testing"

	"github.com/voicewire/sttrelay/pkg/upstream"
)

func TestClassify_ClientErrors(t *testing.T) {
	tests := []struct {
		status  int
		message string
	}{
		{400, "Invalid request configuration"},
		{401, "Invalid API key"},
		{403, "Access forbidden"},
		{404, "Endpoint not found"},
		{418, "Client error 418"},
	}

	for _, tt := range tests {
		cls := Classify(&upstream.Error{Status: tt.status})
		if cls.Kind != ErrorFatal {
			t.Errorf("status %d: kind = %q, want fatal", tt.status, cls.Kind)
		}
		if cls.Retryable {
			t.Errorf("status %d: retryable = true, want false", tt.status)
		}
		if cls.StatusCode != tt.status {
			t.Errorf("status %d: status code = %d", tt.status, cls.StatusCode)
		}
		if cls.Message != tt.message {
			t.Errorf("status %d: message = %q, want %q", tt.status, cls.Message, tt.message)
		}
	}
}

func TestClassify_ServerErrors(t *testing.T) {
	tests := []struct {
		status  int
		message string
	}{
		{429, "Rate limit exceeded"},
		{500, "Server error"},
		{502, "Bad gateway"},
		{503, "Service unavailable"},
		{504, "Gateway timeout"},
		{599, "Server error 599"},
	}

	for _, tt := range tests {
		cls := Classify(&upstream.Error{Status: tt.status})
		if cls.Kind != ErrorRetryable {
			t.Errorf("status %d: kind = %q, want retryable", tt.status, cls.Kind)
		}
		if !cls.Retryable {
			t.Errorf("status %d: retryable = false, want true", tt.status)
		}
		if cls.Message != tt.message {
			t.Errorf("status %d: message = %q, want %q", tt.status, cls.Message, tt.message)
		}
	}
}

func TestClassify_StatusFromMessage(t *testing.T) {
	cls := Classify(errors.New("HTTP 401: Unauthorized"))
	if cls.Kind != ErrorFatal || cls.StatusCode != 401 {
		t.Fatalf("kind = %q status = %d, want fatal/401", cls.Kind, cls.StatusCode)
	}
	if cls.Message != "Invalid API key" {
		t.Fatalf("message = %q", cls.Message)
	}

	cls = Classify(errors.New("502: upstream hiccup"))
	if cls.Kind != ErrorRetryable || cls.StatusCode != 502 {
		t.Fatalf("kind = %q status = %d, want retryable/502", cls.Kind, cls.StatusCode)
	}
}

// A structured status always wins over whatever the message text claims.
func TestClassify_StructuredStatusWins(t *testing.T) {
	err := &upstream.Error{Status: 500, Message: "HTTP 401: Unauthorized"}
	cls := Classify(err)
	if cls.Kind != ErrorRetryable {
		t.Fatalf("kind = %q, want retryable", cls.Kind)
	}
	if cls.StatusCode != 500 {
		t.Fatalf("status code = %d, want 500", cls.StatusCode)
	}
	if !cls.Retryable {
		t.Fatal("retryable = false, want true")
	}
}

func TestClassify_CodeFieldUsedWhenHTTPLike(t *testing.T) {
	// A WebSocket close code like 1006 must not be mistaken for an HTTP status.
	cls := Classify(&upstream.Error{Code: 1006, Message: "abnormal closure"})
	if cls.StatusCode != 0 {
		t.Fatalf("status code = %d, want 0", cls.StatusCode)
	}

	cls = Classify(&upstream.Error{Code: 503, Message: "service busy"})
	if cls.StatusCode != 503 || cls.Kind != ErrorRetryable {
		t.Fatalf("status = %d kind = %q, want 503/retryable", cls.StatusCode, cls.Kind)
	}
}

func TestClassify_NetworkErrors(t *testing.T) {
	for _, msg := range []string{
		"dial tcp: ECONNREFUSED",
		"read: connection timeout",
		"websocket: bad handshake",
		"use of closed network connection",
		"socket hang up",
	} {
		cls := Classify(errors.New(msg))
		if cls.Kind != ErrorTimeout {
			t.Errorf("%q: kind = %q, want timeout", msg, cls.Kind)
		}
		if !cls.Retryable {
			t.Errorf("%q: retryable = false, want true", msg)
		}
		if cls.Message != "Network or timeout error" {
			t.Errorf("%q: message = %q", msg, cls.Message)
		}
	}
}

func TestClassify_Unknown(t *testing.T) {
	cls := Classify(errors.New("something odd happened"))
	if cls.Kind != ErrorUnknown {
		t.Fatalf("kind = %q, want unknown", cls.Kind)
	}
	if !cls.Retryable {
		t.Fatal("unknown errors must stay retryable")
	}
	if cls.Message != "something odd happened" {
		t.Fatalf("message = %q, want original preserved", cls.Message)
	}
}

func TestClassify_Nil(t *testing.T) {
	cls := Classify(nil)
	if cls.Kind != ErrorUnknown || !cls.Retryable {
		t.Fatalf("nil error: got %+v", cls)
	}
}

// Classification is a pure function of the error.
func TestClassify_Deterministic(t *testing.T) {
	err := &upstream.Error{Status: 503}
	first := Classify(err)
	for range 10 {
		if got := Classify(err); got != first {
			t.Fatalf("classification changed: %+v vs %+v", got, first)
		}
	}
}
