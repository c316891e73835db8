package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/clinic-booking/internal/booking"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})

	// HH:MM, or HH:MM:00
	if err := v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := booking.ParseTimeOfDay(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// decodeJSON reads a JSON body into dst and validates it. The returned
// message is safe to send to the client.
func decodeJSON(r *http.Request, dst any) (string, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return "could not parse JSON: " + err.Error(), false
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err), false
	}
	return "", true
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		switch e.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", e.Field()))
		case "uuid":
			parts = append(parts, fmt.Sprintf("%s must be a valid UUID", e.Field()))
		case "datetime":
			parts = append(parts, fmt.Sprintf("%s must be a date in YYYY-MM-DD format", e.Field()))
		case "timeofday":
			parts = append(parts, fmt.Sprintf("%s must be a time in HH:MM format", e.Field()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", e.Field(), e.Tag(), e.Param()))
		}
	}
	return strings.Join(parts, "; ")
}
