package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context, creating a StrataError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *StrataError {
	if err == nil {
		return nil
	}

	// Preserve path and context of an inner StrataError
	var se *StrataError
	if errors.As(err, &se) {
		return &StrataError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       se,
			Context:     se.Context,
			Path:        se.Path,
			Recoverable: se.Recoverable,
		}
	}

	return &StrataError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapInternal wraps an error as an internal error
func WrapInternal(err error, code, message string) *StrataError {
	return Wrap(err, ErrorTypeInternal, code, message)
}

// GetErrorContext extracts context information from a StrataError
func GetErrorContext(err error) map[string]interface{} {
	var se *StrataError
	if errors.As(err, &se) {
		context := make(map[string]interface{})
		for k, v := range se.Context {
			context[k] = v
		}
		if se.Path != "" {
			context["path"] = se.Path
		}
		context["type"] = string(se.Type)
		context["code"] = se.Code
		context["recoverable"] = se.Recoverable
		return context
	}

	return map[string]interface{}{
		"message": err.Error(),
		"type":    "unknown",
	}
}

// ExtractCause extracts the root cause from a wrapped error
func ExtractCause(err error) error {
	for err != nil {
		var se *StrataError
		if !errors.As(err, &se) {
			return err
		}
		if se.Cause == nil {
			return se
		}
		err = se.Cause
	}
	return nil
}

// CombineErrors combines multiple errors into a single error with context
func CombineErrors(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}

	messages := make([]string, 0, len(nonNil))
	for _, err := range nonNil {
		messages = append(messages, err.Error())
	}

	return &StrataError{
		Type:    ErrorTypeInternal,
		Code:    "ERR_MULTIPLE_ERRORS",
		Message: fmt.Sprintf("multiple errors occurred: %d errors", len(nonNil)),
		Cause:   errors.Join(nonNil...),
		Context: map[string]interface{}{
			"error_count": len(nonNil),
			"errors":      messages,
		},
	}
}
