package validator

import (
	"github.com/go-playground/validator/v10"
)

// Validator wraps the underlying validation library with a stable error
// shape for handlers.
type Validator struct {
	cli *validator.Validate
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func New() *Validator {
	return &Validator{
		cli: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct validates s against its struct tags and returns one entry
// per failed field, or nil when valid.
func (v *Validator) ValidateStruct(s any) []ValidationError {
	err := v.cli.Struct(s)
	if err != nil {
		return v.formatError(err)
	}
	return nil
}

func (v *Validator) formatError(err error) []ValidationError {
	errs := make([]ValidationError, 0)
	for _, fe := range err.(validator.ValidationErrors) {
		errs = append(errs, ValidationError{
			Field:   fe.StructField(),
			Message: fe.Error(),
		})
	}
	return errs
}
