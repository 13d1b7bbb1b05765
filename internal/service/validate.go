package service

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/sshkey"
)

var validate = newValidator()

var tokenNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// newValidator reports fields by their JSON names and adds two tags:
// "sshkey" (a single OpenSSH public key line without options) and
// "tokenname".
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("sshkey", func(fl validator.FieldLevel) bool {
		_, err := sshkey.Parse(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("tokenname", func(fl validator.FieldLevel) bool {
		return tokenNameRE.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// validateStruct runs the struct tags of s and converts the first failure
// into an apperror validation error.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperror.ValidationFailed(fe.Field(), fieldMessage(fe))
	}
	return apperror.ValidationFailed("", err.Error())
}

func fieldMessage(fe validator.FieldError) string {
	f := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", f)
	case "sshkey":
		return fmt.Sprintf("%s must be a single OpenSSH public key", f)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", f, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", f, fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must not be empty", f)
		}
		return fmt.Sprintf("%s must be at least %s", f, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", f, fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", f)
	case "url", "http_url":
		return fmt.Sprintf("%s must be a valid URL", f)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", f, fe.Param())
	case "tokenname":
		return fmt.Sprintf("%s may only contain letters, digits, '-' and '_'", f)
	default:
		return fmt.Sprintf("%s is invalid", f)
	}
}

func trimPtr(s *string) {
	if s != nil {
		*s = strings.TrimSpace(*s)
	}
}
