// Package validation checks inbound GPS and traffic payloads before they reach
// the batching core.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// Error describes the first offending field of a rejected payload.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator wraps a go-playground validator configured to report JSON field
// names.
type Validator struct {
	v *validator.Validate
}

// New returns a Validator. It is safe for concurrent use.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// GPSEvent decodes and validates a single GPS event document.
func (v *Validator) GPSEvent(raw []byte) (models.GPSEvent, error) {
	var p models.GPSEventPayload
	if err := decodeObject(raw, &p); err != nil {
		return models.GPSEvent{}, err
	}
	if err := v.Struct(p); err != nil {
		return models.GPSEvent{}, err
	}
	e, err := p.Event()
	if err != nil {
		return models.GPSEvent{}, &Error{Field: "recorded_at", Message: err.Error()}
	}
	return e, nil
}

// TrafficData validates an already decoded traffic reading.
func (v *Validator) TrafficData(d models.TrafficData) error {
	return v.Struct(d)
}

// Struct validates s and converts the first failure into an *Error.
func (v *Validator) Struct(s interface{}) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &Error{Field: fe.Field(), Message: describe(fe)}
	}
	return &Error{Message: err.Error()}
}

func decodeObject(raw []byte, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &Error{Message: "event must be a JSON object"}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &Error{Field: typeErr.Field, Message: fmt.Sprintf("must be of type %s", typeErr.Type)}
		}
		return &Error{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
