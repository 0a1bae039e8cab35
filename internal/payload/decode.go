// Package payload decodes and validates JSON bodies for both the HTTP create
// endpoints and the sync queue, so an item is accepted or rejected by the same
// rules whichever path it arrives on.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
)

// normalizer is implemented by inputs that clean themselves up before validation.
type normalizer interface {
	Normalize()
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validatorInstance shares gin's tag name so `binding` rules apply everywhere.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.SetTagName("binding")
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Decode unmarshals raw into dst, normalizes it and validates it.
// Every failure is returned as an apperror validation error.
func Decode(raw []byte, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return apperror.Validation("payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperror.Validation("invalid JSON payload").WithInternal(err)
	}
	if n, ok := dst.(normalizer); ok {
		n.Normalize()
	}
	return Validate(dst)
}

// Validate runs the binding rules on v.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	return BindError(err)
}

// BindError converts an error from gin's ShouldBind* or from Validate into
// an apperror validation error.
func BindError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return apperror.Validation("%s", describe(fieldErrs[0])).WithInternal(err)
	}
	return apperror.Validation("invalid JSON payload").WithInternal(err)
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gte", "lte", "gt", "lt":
		return fmt.Sprintf("%s out of range (%s %s)", field, fe.Tag(), fe.Param())
	case "datetime":
		return fmt.Sprintf("%s must match %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// GinValidator lets gin's ShouldBind* use the shared validator, so binding
// errors name fields by their JSON names. Install it with
// binding.Validator = payload.GinValidator{}.
type GinValidator struct{}

func (GinValidator) ValidateStruct(obj any) error {
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return validatorInstance().Struct(obj)
}

func (GinValidator) Engine() any {
	return validatorInstance()
}
