package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrorDefaults(t *testing.T) {
	cases := []struct {
		code      ErrorCode
		retryable bool
	}{
		{ErrUnsupportedFormat, false},
		{ErrCorruptInput, false},
		{ErrProviderError, true},
		{ErrProviderTimeout, true},
		{ErrRateLimited, true},
		{ErrProviderRejected, false},
		{ErrStoreError, true},
		{ErrStoreTimeout, true},
		{ErrTaskCancelled, false},
	}

	for _, c := range cases {
		err := NewError(c.code, "boom")
		if err.Retryable != c.retryable {
			t.Errorf("code %s: expected retryable=%v, got %v", c.code, c.retryable, err.Retryable)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrStoreError, "upsert failed").WithCause(cause).WithStage("index")

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if GetErrorCode(err) != ErrStoreError {
		t.Errorf("expected STORE_ERROR, got %s", GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Error("expected store error to be retryable")
	}
}

func TestErrorThroughFmtWrap(t *testing.T) {
	inner := NewError(ErrProviderRejected, "policy violation")
	wrapped := fmt.Errorf("enrich chunk 3: %w", inner)

	if GetErrorCode(wrapped) != ErrProviderRejected {
		t.Errorf("expected code to survive fmt wrapping, got %q", GetErrorCode(wrapped))
	}
	if IsRetryable(wrapped) {
		t.Error("rejected errors must not be retryable")
	}
}

func TestTaskStateTransitions(t *testing.T) {
	valid := []struct{ from, to TaskState }{
		{TaskQueued, TaskRunning},
		{TaskRunning, TaskSucceeded},
		{TaskRunning, TaskFailed},
		{TaskFailed, TaskQueued},
	}
	for _, v := range valid {
		if !v.from.CanTransition(v.to) {
			t.Errorf("expected %s -> %s to be valid", v.from, v.to)
		}
	}

	invalid := []struct{ from, to TaskState }{
		{TaskQueued, TaskSucceeded},
		{TaskSucceeded, TaskRunning},
		{TaskSucceeded, TaskQueued},
		{TaskFailed, TaskRunning},
	}
	for _, v := range invalid {
		if v.from.CanTransition(v.to) {
			t.Errorf("expected %s -> %s to be invalid", v.from, v.to)
		}
	}
}
