package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := Wrap(CodeStorageFailure, cause, "写入失败")

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if !stdErrors.Is(fmt.Errorf("outer: %w", err), New(CodeStorageFailure, "")) {
		t.Fatalf("expected code match through wrapping")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are retryable by default")
	}
}

func TestClientMessageHidesCause(t *testing.T) {
	Register("TEST_CLIENT_MESSAGE", Attributes{
		Message:       "internal detail",
		ClientMessage: "Try later.",
		Severity:      SeverityInfo,
	})
	err := Wrap("TEST_CLIENT_MESSAGE", fmt.Errorf("secret upstream body"), "")

	if got := ClientMessage(err); got != "Try later." {
		t.Fatalf("unexpected client message: %q", got)
	}
	if got := ClientMessage(fmt.Errorf("plain")); got != AttributesOf(CodeUnknown).ClientMessage {
		t.Fatalf("unexpected fallback message: %q", got)
	}
	if ClientMessage(nil) != "" {
		t.Fatalf("nil error should have empty message")
	}
}

func TestOverrides(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("step", "scout"))
	if err.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("expected severity override, got %s", err.Severity())
	}
	if err.Metadata()["step"] != "scout" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
	if err.Message() != AttributesOf(CodeTimeout).Message {
		t.Fatalf("expected default message, got %q", err.Message())
	}
}
