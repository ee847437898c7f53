package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "task '42' not found"}
	want := "NOT_FOUND: task '42' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("queue", "default")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "queue 'default' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "queue 'default' not found")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("invalid task id",
		FieldError{Field: "id", Message: "must be an integer"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 1 {
		t.Errorf("Details length = %d, want 1", len(err.Details))
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "task",
		ID:     7,
		From:   "SUCCEED",
		To:     "FAILED-ACKED",
	}
	want := "invalid task state transition: SUCCEED → FAILED-ACKED (entity 7)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
