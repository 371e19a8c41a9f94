package errors

import (
	"errors"
	"testing"
)

func TestUserErrorFormatting(t *testing.T) {
	e := &UserError{Name: "ValueError", Message: "bad input"}
	if got, want := e.Error(), "ValueError: bad input"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	bare := &UserError{Name: "Boom"}
	if got, want := bare.Error(), "Boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTransportErrorsUnwrap(t *testing.T) {
	inner := errors.New("connection reset")

	transient := &TransportTransient{Op: "publish", Err: inner}
	if !errors.Is(transient, inner) {
		t.Error("TransportTransient should unwrap to inner error")
	}

	fatal := &TransportFatal{Op: "invoke", Err: inner}
	if !errors.Is(fatal, inner) {
		t.Error("TransportFatal should unwrap to inner error")
	}
}

func TestCancellationErrorMessage(t *testing.T) {
	err := &CancellationError{CallID: "abc"}
	if got, want := err.Error(), "Rejected pending request"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryNone},
		{"user", &UserError{Name: "X"}, CategoryUser},
		{"transient", &TransportTransient{Err: errors.New("x")}, CategoryTransient},
		{"fatal", &TransportFatal{Err: errors.New("x")}, CategoryFatal},
		{"timeout", &FunctionTimeoutError{}, CategoryTimeout},
		{"deadletter", &DeadLetterError{}, CategoryDeadLetter},
		{"cancellation", &CancellationError{}, CategoryCancellation},
		{"unknown", errors.New("mystery"), CategoryFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.want {
				t.Errorf("DefaultClassifier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(CategoryTransient) {
		t.Error("transient should be retryable")
	}
	if !IsRetryable(CategoryTimeout) {
		t.Error("timeout should be retryable")
	}
	if IsRetryable(CategoryFatal) {
		t.Error("fatal should not be retryable")
	}
	if IsRetryable(CategoryUser) {
		t.Error("user errors should not be retryable")
	}
}
