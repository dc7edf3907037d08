package action

import "fmt"

// MissingFieldError reports a required key that is absent or empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// FieldTypeError reports a key whose value has the wrong type.
type FieldTypeError struct {
	Field string
	Want  string
	Got   any
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("field %q must be %s, got %T", e.Field, e.Want, e.Got)
}
