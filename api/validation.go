package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"attackmatrix/core"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,50}$`)

// newValidator builds the request validator with the domain tags registered
func newValidator() *validator.Validate {
	v := validator.New()

	// Report JSON field names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("technique_id", func(fl validator.FieldLevel) bool {
		return core.ValidTechniqueID(core.NormalizeTechniqueID(fl.Field().String()))
	})
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return core.IsValidSeverity(strings.ToLower(fl.Field().String()))
	})
	_ = v.RegisterValidation("logic_type", func(fl validator.FieldLevel) bool {
		return core.IsValidLogicType(fl.Field().String())
	})
	_ = v.RegisterValidation("rule_status", func(fl validator.FieldLevel) bool {
		return core.RuleStatus(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("workflow_status", func(fl validator.FieldLevel) bool {
		return core.WorkflowStatus(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return core.IsValidRole(fl.Field().String())
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("audit_level", func(fl validator.FieldLevel) bool {
		return core.AuditLevel(strings.ToUpper(fl.Field().String())).IsValid()
	})
	return v
}

// validationMessages turns validator errors into one readable message per field
func validationMessages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "email":
			messages = append(messages, fmt.Sprintf("%s must be a valid email address", field))
		case "url":
			messages = append(messages, fmt.Sprintf("%s must be a valid URL", field))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "alphanumunicode", "username":
			messages = append(messages, fmt.Sprintf("%s contains invalid characters", field))
		default:
			messages = append(messages, fmt.Sprintf("%s is not a valid %s", field, strings.ReplaceAll(fe.Tag(), "_", " ")))
		}
	}
	return messages
}

// validateRequest validates a decoded request body, writing a 400 with the problems on failure
func (a *API) validateRequest(w http.ResponseWriter, req interface{}) bool {
	if err := a.validate.Struct(req); err != nil {
		messages := validationMessages(err)
		writeErrorDetails(w, http.StatusBadRequest, "Validation failed: "+strings.Join(messages, "; "), messages, err, a.logger)
		return false
	}
	return true
}
