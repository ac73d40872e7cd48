package jobs

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/scanning"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NewValidator returns a validator that knows the bandwidth and jobid tags
// and reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("bandwidth", func(fl validator.FieldLevel) bool {
		return scanning.ValidBandwidth(fl.Field().String())
	})
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return jobIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateRequest checks req and returns a *errors.ValidationError naming the
// first offending field.
func ValidateRequest(v *validator.Validate, req SubmitRequest) error {
	if err := v.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewValidationError(trimRoot(fe.Namespace()), describe(fe), fe.Value())
		}
		return errors.WrapValidationError("invalid submission", err)
	}

	hasRef := req.InputReference != ""
	hasInline := req.Networks != nil
	switch {
	case hasRef && hasInline:
		return errors.NewValidationError("networks", "give either input_reference or networks, not both", nil)
	case !hasRef && !hasInline:
		return errors.NewValidationError("input_reference", "input_reference or networks is required", nil)
	}
	return nil
}

func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "bandwidth":
		return `must be a rate such as "10M", "512K" or "2000pps"`
	case "jobid":
		return "may contain only letters, digits, '.', '_' and '-'"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
