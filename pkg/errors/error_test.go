package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrapf(cause, ImageBuildFailed, "build failed")

	if err.Error() != "build failed" {
		t.Errorf("got message %q", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Errorf("wrapped error should unwrap to its cause")
	}
	if Wrap(nil, InternalServerError) != nil || Wrapf(nil, InternalServerError, "x") != nil {
		t.Errorf("wrapping nil must return nil")
	}
}

func TestIsAndGetCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(TaskNotFound))

	if !Is(err, TaskNotFound) {
		t.Errorf("Is should see the code through fmt wrapping")
	}
	if Is(err, SubmissionNotFound) {
		t.Errorf("Is matched the wrong code")
	}
	if got := GetCode(err); got != TaskNotFound {
		t.Errorf("got code %v", got)
	}
	if got := GetCode(stderrors.New("plain")); got != InternalServerError {
		t.Errorf("plain errors should map to InternalServerError, got %v", got)
	}
	if got := GetCode(nil); got != Success {
		t.Errorf("nil should map to Success, got %v", got)
	}
}

func TestValidationErrorCarriesDetails(t *testing.T) {
	err := ValidationError("task", "required")

	if err.Code.HTTPStatus() != http.StatusBadRequest {
		t.Errorf("got status %d", err.Code.HTTPStatus())
	}
	if err.Details["field"] != "task" || err.Details["reason"] != "required" {
		t.Errorf("got details %v", err.Details)
	}
}

func TestGetErrorWrapsForeignErrors(t *testing.T) {
	got := GetError(stderrors.New("boom"))
	if got.Code != InternalServerError || got.Message != "boom" {
		t.Errorf("got %+v", got)
	}
}
