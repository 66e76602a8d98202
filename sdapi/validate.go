package sdapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"zimage_gateway/core"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

// NewFieldError is a ValidationError for a single field.
func NewFieldError(field, rule, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Rule: rule, Message: message}}}
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator checks requests against the generation limits.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a Validator with the multiple64 rule registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(fieldName)
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("multiple64", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%core.DimensionUnit == 0
	})
	return &Validator{v: v}
}

// fieldName reports fields by their wire name: the json tag, or the form
// tag for upload fields.
func fieldName(f reflect.StructField) string {
	if name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
		return name
	}
	if name := f.Tag.Get("form"); name != "" {
		return name
	}
	return f.Name
}

// Validate returns nil or a *ValidationError.
func (v *Validator) Validate(req any) error {
	err := v.v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "gte":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must not be empty", fe.Field())
		}
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	case "multiple64":
		return fmt.Sprintf("%s must be a multiple of %d", fe.Field(), core.DimensionUnit)
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
