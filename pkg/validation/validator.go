package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate is the global validator instance.
var Validate *validator.Validate

func init() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("latitude", validateLatitude)
	_ = Validate.RegisterValidation("longitude", validateLongitude)
	_ = Validate.RegisterValidation("vehicle_type", validateVehicleType)
	_ = Validate.RegisterValidation("availability", validateAvailability)
	_ = Validate.RegisterValidation("otp", validateOTP)
}

// ValidateStruct validates a struct and returns a readable error when a
// field fails its constraints.
func ValidateStruct(s interface{}) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		return newFieldError(validationErrors)
	}
	return err
}

func newFieldError(errs validator.ValidationErrors) error {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, "; "))
}

// validateLatitude checks if latitude is within valid range (-90 to 90)
func validateLatitude(fl validator.FieldLevel) bool {
	latitude := fl.Field().Float()
	return latitude >= -90.0 && latitude <= 90.0
}

// validateLongitude checks if longitude is within valid range (-180 to 180)
func validateLongitude(fl validator.FieldLevel) bool {
	longitude := fl.Field().Float()
	return longitude >= -180.0 && longitude <= 180.0
}

// validateVehicleType accepts the canonical vehicle types plus the "moto"
// shorthand, which normalizes to motorcycle downstream.
func validateVehicleType(fl validator.FieldLevel) bool {
	vehicle := strings.ToLower(strings.TrimSpace(fl.Field().String()))
	switch vehicle {
	case "car", "motorcycle", "auto", "moto":
		return true
	}
	return false
}

func validateAvailability(fl validator.FieldLevel) bool {
	state := strings.ToLower(strings.TrimSpace(fl.Field().String()))
	switch state {
	case "active", "inactive", "assigned":
		return true
	}
	return false
}

// validateOTP checks the 6-digit pickup code shape.
func validateOTP(fl validator.FieldLevel) bool {
	otp := fl.Field().String()
	if len(otp) != 6 {
		return false
	}
	for i := 0; i < len(otp); i++ {
		if otp[i] < '0' || otp[i] > '9' {
			return false
		}
	}
	return true
}
