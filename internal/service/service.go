// Package service holds the review write path, the provider read path and
// the aggregate reconciler.
package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Clark-Hu/motofix/internal/apperr"
	"github.com/Clark-Hu/motofix/internal/domain"
)

// ProfileCache stores assembled provider profiles. Implementations must be
// safe for concurrent use.
type ProfileCache interface {
	Get(ctx context.Context, providerID string) (domain.ProviderProfile, bool, error)
	Set(ctx context.Context, profile domain.ProviderProfile) error
	Invalidate(ctx context.Context, providerID string) error
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and converts failures into a
// Validation error keyed by JSON field name.
func validateStruct(s any) *apperr.Error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.Validation(err.Error(), nil)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = msgForTag(fe)
	}
	return apperr.Validation("request validation failed", fields)
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "uuid":
		return "must be a valid UUID"
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
