package utils

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestProcessValidationErrorsFlattensFieldErrors(t *testing.T) {
	type payload struct {
		Name string `validate:"required"`
	}
	err := validator.New().Struct(payload{})
	if err == nil {
		t.Fatalf("expected a validation error")
	}
	got := ProcessValidationErrors(err)
	if got["Name"] != "required" {
		t.Fatalf("ProcessValidationErrors = %v, expected Name:required", got)
	}
}

func TestProcessValidationErrorsHandlesPlainErrors(t *testing.T) {
	got := ProcessValidationErrors(errors.New("unexpected EOF"))
	if got["error"] != "unexpected EOF" {
		t.Fatalf("ProcessValidationErrors = %v, expected the error text under \"error\"", got)
	}
}

func TestProcessValidationErrorsHandlesUnmarshalTypeErrors(t *testing.T) {
	var target struct {
		Count int `json:"count"`
	}
	err := json.Unmarshal([]byte(`{"count":"many"}`), &target)
	if err == nil {
		t.Fatalf("expected an unmarshal type error")
	}
	got := ProcessValidationErrors(err)
	if got["error"] == "" {
		t.Fatalf("ProcessValidationErrors = %v, expected a generic error entry", got)
	}
}
