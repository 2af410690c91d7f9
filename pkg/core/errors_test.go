package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrProtocolViolation,
		Message: "envelope has no discriminator key",
	}

	expected := "protocol_violation: envelope has no discriminator key"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := NewToolDispatchError("tool_timeout", "tool call timed out")

	expected := "tool_dispatch_error: tool call timed out (code: tool_timeout)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCause(t *testing.T) {
	err := NewConnectionError("read failed", io.ErrUnexpectedEOF)

	expected := "connection_error: read failed: unexpected EOF"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("errors.Is(err, io.ErrUnexpectedEOF)=false")
	}
}

func TestNewPreparationError_NamesSource(t *testing.T) {
	err := NewPreparationError("kitchen", "template render failed", errors.New("unexpected '}'"))
	if err.Type != ErrPreparation {
		t.Errorf("Type = %v, want %v", err.Type, ErrPreparation)
	}
	if err.Param != "kitchen" {
		t.Errorf("Param = %q, want %q", err.Param, "kitchen")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewProtocolViolation("invalid_json", "bad"), true},
		{NewConnectionError("dial failed", nil), true},
		{NewPreparationError("p", "bad template", nil), false},
		{NewToolDispatchError("unknown_tool", "nope"), false},
		{NewDegradedContext("snapshot failed", nil), false},
		{errors.New("plain"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsType_Wrapped(t *testing.T) {
	err := fmt.Errorf("session: %w", NewProtocolViolation("ambiguous_envelope", "two keys"))
	if !IsType(err, ErrProtocolViolation) {
		t.Fatalf("IsType(wrapped, protocol_violation)=false")
	}
	if IsType(err, ErrConnection) {
		t.Fatalf("IsType(wrapped, connection_error)=true")
	}
}
