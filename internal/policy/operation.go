// Package policy holds the operation model and the closed rule table that
// maps (category, action) to a verdict.
package policy

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/neogan74/overseer/internal/apperr"
)

// Operation is a requested agent action. It is never mutated after creation.
type Operation struct {
	Category string         `json:"category" validate:"required"`
	Action   string         `json:"action" validate:"required"`
	Target   string         `json:"target,omitempty"`
	Source   string         `json:"source" validate:"required"`
	UserID   string         `json:"userId,omitempty"`
	AgentID  string         `json:"agentId,omitempty"`
	Context  map[string]any `json:"context,omitempty"`

	// ControlPlane marks pause/resume/approve/deny issued by the service
	// itself. It is never read from requests.
	ControlPlane bool `json:"-"`
}

// Name returns "category.action".
func (o Operation) Name() string {
	return o.Category + "." + o.Action
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validator returns the shared validator, configured to report JSON field
// names.
func Validator() *validator.Validate {
	return validate
}

// Validate rejects operations with blank required fields.
func (o Operation) Validate() error {
	o.Category = strings.TrimSpace(o.Category)
	o.Action = strings.TrimSpace(o.Action)
	o.Source = strings.TrimSpace(o.Source)
	return ValidationError(validate.Struct(o))
}

// ValidationError converts validator output into a validation_error naming
// the offending fields. It returns nil for a nil err.
func ValidationError(err error) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.Wrap(apperr.CodeValidation, "invalid request", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return apperr.Validation(strings.Join(msgs, "; "))
}
