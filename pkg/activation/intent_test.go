package activation

import (
	"testing"
	"time"
)

func TestFormatAndParseIntentRoundTrip(t *testing.T) {
	intent := Intent{
		Version:         42,
		SystemPackageID: "abc123-system",
		StartedAt:       time.Unix(1700000000, 0),
	}

	got, err := parseIntent([]byte(formatIntent(intent)))
	if err != nil {
		t.Fatalf("parseIntent: %v", err)
	}
	if got != intent {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, intent)
	}
}

func TestParseIntentRejectsMalformed(t *testing.T) {
	if _, err := parseIntent([]byte("not-enough-fields")); err == nil {
		t.Fatal("expected error for malformed journal entry")
	}
}

func TestParseActivationResultOK(t *testing.T) {
	result, err := parseActivationResult([]byte("ok\n"))
	if err != nil {
		t.Fatalf("parseActivationResult: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestParseActivationResultFailure(t *testing.T) {
	result, err := parseActivationResult([]byte("fail:exit-code exit_code=exited exit_status=1\n"))
	if err != nil {
		t.Fatalf("parseActivationResult: %v", err)
	}
	if result.Succeeded() {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestParseActivationResultRejectsUnrecognizedContent(t *testing.T) {
	if _, err := parseActivationResult([]byte("maybe\n")); err == nil {
		t.Fatal("expected error for unrecognized activation-result content")
	}
}
