package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"followup-mailer/apperror"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// decodeJSON reads the request body into v and validates its struct tags.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.Validation("body", "invalid request payload: %v", err)
	}
	return validateStruct(v)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("body", "%v", err)
	}

	var msgs []string
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param())
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return apperror.Validation(strings.ToLower(verrs[0].Field()), "%s", strings.Join(msgs, ", "))
}

// parseDay reads a YYYY-MM-DD value in loc.
func parseDay(value string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, apperror.Validation("date", "invalid date format %q, use YYYY-MM-DD", value)
	}
	return t, nil
}
