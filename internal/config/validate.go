package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("client", func(fl validator.FieldLevel) bool {
		return crm.IsRegistered(strings.ToLower(fl.Field().String()))
	})
	_ = v.RegisterValidation("objecttype", func(fl validator.FieldLevel) bool {
		_, err := core.ParseObjectType(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
		return core.Operator(strings.ToUpper(fl.Field().String())).Valid()
	})
	return v
}

// Validate checks the configuration and reports every violation.
func (c *ProjectConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateObjects()
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// validateObjects checks rules that span fields.
func (c *ProjectConfig) validateObjects() error {
	seen := make(map[core.ObjectType]bool)
	for i, o := range c.Objects {
		t, _ := core.ParseObjectType(o.Type)
		if seen[t] {
			return fmt.Errorf("objects[%d]: object type %s is configured twice", i, t)
		}
		seen[t] = true
	}
	return nil
}

// describe renders one validation failure using config key names.
func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", field, snakeCase(fe.Param()))
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "client":
		return fmt.Sprintf("%s: unknown client type %q (available: %s)", field, fe.Value(), strings.Join(crm.ListClients(), ", "))
	case "objecttype":
		return fmt.Sprintf("%s: unknown object type %q", field, fe.Value())
	case "operator":
		return fmt.Sprintf("%s: unknown filter operator %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
