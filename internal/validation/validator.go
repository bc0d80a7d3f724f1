// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package validation provides struct validation using go-playground/validator
// v10. A thread-safe singleton validator carries custom rules for grid
// coordinates; handlers validate their request structs and translate
// failures into the standard API error shape.
//
// Example:
//
//	type RectRequest struct {
//	    X0 int `validate:"gridcoord"`
//	    Y0 int `validate:"gridcoord"`
//	    X1 int `validate:"gridcoord"`
//	    Y1 int `validate:"gridcoord"`
//	}
//
//	if err := validation.ValidateStruct(&req); err != nil {
//	    var verr *validation.RequestValidationError
//	    errors.As(err, &verr) // field-level details for the response
//	}
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/gridplace/internal/grid"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	field   string
	tag     string
	param   string
	message string
}

// Field returns the struct field name that failed validation.
func (e *ValidationError) Field() string { return e.field }

// Tag returns the validation tag that failed.
func (e *ValidationError) Tag() string { return e.tag }

// Error returns a human-readable error message.
func (e *ValidationError) Error() string { return e.message }

// RequestValidationError is a collection of field validation failures for
// one request.
type RequestValidationError struct {
	errors []ValidationError
}

// Errors returns the individual field failures.
func (ve *RequestValidationError) Errors() []ValidationError { return ve.errors }

// Error implements the error interface with a combined message.
func (ve *RequestValidationError) Error() string {
	if len(ve.errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, 0, len(ve.errors))
	for _, err := range ve.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Details returns a field -> message map for API error payloads.
func (ve *RequestValidationError) Details() map[string]string {
	details := make(map[string]string, len(ve.errors))
	for _, err := range ve.errors {
		details[err.Field()] = err.Error()
	}
	return details
}

// getValidator returns the singleton validator, initializing it on first use.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// gridcoord: integer within [0, grid.Width) x [0, grid.Height).
		// The grid is square so one rule covers both axes.
		_ = validate.RegisterValidation("gridcoord", func(fl validator.FieldLevel) bool {
			v := fl.Field().Int()
			return v >= 0 && v < int64(grid.Width)
		})

		// caption: length-bounded free-form text.
		_ = validate.RegisterValidation("caption", func(fl validator.FieldLevel) bool {
			return len([]rune(fl.Field().String())) <= grid.MaxCaptionLen
		})
	})
	return validate
}

// ValidateStruct validates a struct and returns a *RequestValidationError
// describing every failed field, or nil when the struct is valid.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validation internal error: %w", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	result := &RequestValidationError{}
	for _, fe := range fieldErrs {
		result.errors = append(result.errors, ValidationError{
			field:   fe.Field(),
			tag:     fe.Tag(),
			param:   fe.Param(),
			message: messageFor(fe),
		})
	}
	return result
}

// messageFor renders one field error as a client-facing message.
func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gridcoord":
		return fmt.Sprintf("%s must be within [0, %d)", fe.Field(), grid.Width)
	case "caption":
		return fmt.Sprintf("%s must be at most %d characters", fe.Field(), grid.MaxCaptionLen)
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
