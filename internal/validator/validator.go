package validator

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator is a wrapper around the validator library.
type Validator struct {
	validate *validator.Validate
}

// New creates a new Validator instance. Nested structs tagged required must be non-zero.
func New() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct validates a struct based on its tags. The returned error lists every
// failing field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Fields returns the names of the fields that failed validation, or nil if err did not
// come from ValidateStruct.
func Fields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	return names
}
