package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "contestjudge/pkg/errors"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{LanguageNotSupported, 400},
		{ValidationFailed, 400},
		{Unauthorized, 401},
		{TokenInvalid, 401},
		{TokenExpired, 401},
		{SubmissionNotFound, 404},
		{CodeTooLarge, 413},
		{SubmitTooFrequently, 429},
		{JudgeQueueFull, 503},
		{SandboxProvisionFailed, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrapf(cause, SandboxWriteFailed, "write solution.py failed")

	if err.Code != SandboxWriteFailed {
		t.Fatalf("code = %v, want %v", err.Code, SandboxWriteFailed)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if err.Error() != "write solution.py failed" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestGetCodeThroughFmtWrap(t *testing.T) {
	inner := New(LanguageNotSupported)
	outer := fmt.Errorf("grade: %w", inner)

	if got := GetCode(outer); got != LanguageNotSupported {
		t.Fatalf("GetCode() = %v, want %v", got, LanguageNotSupported)
	}
	if got := GetCode(errors.New("plain")); got != InternalServerError {
		t.Fatalf("GetCode(plain) = %v, want %v", got, InternalServerError)
	}
	if got := GetCode(nil); got != Success {
		t.Fatalf("GetCode(nil) = %v, want %v", got, Success)
	}
}

func TestIsWalksCodeChain(t *testing.T) {
	base := New(SandboxProvisionFailed)
	wrapped := Wrap(base, JudgeSystemError)

	if !Is(wrapped, JudgeSystemError) {
		t.Fatalf("expected outer code to match")
	}
	if !Is(wrapped, SandboxProvisionFailed) {
		t.Fatalf("expected inner code to match")
	}
	if Is(wrapped, TokenInvalid) {
		t.Fatalf("unexpected code match")
	}
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidationError("code", "required")
	if err.Details["field"] != "code" || err.Details["reason"] != "required" {
		t.Fatalf("unexpected details: %v", err.Details)
	}
	if err.Code.HTTPStatus() != 400 {
		t.Fatalf("validation errors should map to 400")
	}
}
