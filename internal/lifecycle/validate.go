package lifecycle

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

var (
	validate *validator.Validate
	once     sync.Once
)

func getValidator() *validator.Validate {
	once.Do(initValidator)
	return validate
}

func initValidator() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if label := f.Tag.Get("label"); label != "" {
			return label
		}
		return f.Name
	})
	validate.RegisterValidation("level", oneOf(protocol.Levels))
	validate.RegisterValidation("category", oneOf(protocol.IssueCategories))
	validate.RegisterValidation("priority", oneOf(protocol.IssuePriorities))
}

func oneOf(allowed []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return slices.Contains(allowed, fl.Field().String())
	}
}

// check validates a request struct and converts failures into a single
// Validation fault listing every problem.
func check(req any) error {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fault.Validationf("Invalid submission.")
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, prettyError(e))
	}
	return fault.Validationf("Invalid submission: %s.", strings.Join(msgs, "; "))
}

func prettyError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", e.Field(), e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param())
		}
		return fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
	case "unique":
		return e.Field() + " must not repeat anyone"
	case "level":
		return fmt.Sprintf("%s must be one of %s", e.Field(), strings.Join(protocol.Levels, ", "))
	case "category":
		return fmt.Sprintf("%s must be one of %s", e.Field(), strings.Join(protocol.IssueCategories, ", "))
	case "priority":
		return fmt.Sprintf("%s must be one of %s", e.Field(), strings.Join(protocol.IssuePriorities, ", "))
	default:
		return e.Error()
	}
}
