// Package validator validates inbound audit-creation requests before they
// reach the Runner (spec §4.9 "Create audits row").
package validator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

// validate is the singleton struct-tag validator instance.
var validate *playground.Validate

func init() {
	validate = playground.New()
	validate.RegisterValidation("audit_url", validateAuditURL)
	validate.RegisterValidation("tier", validateTier)
	validate.RegisterValidation("verdict_mode", validateVerdictMode)
}

// CreateAuditRequest is the shape of a POST /audits body.
type CreateAuditRequest struct {
	URL            string   `json:"url" validate:"required,audit_url"`
	Tier           string   `json:"tier" validate:"required,tier"`
	VerdictMode    string   `json:"verdict_mode" validate:"omitempty,verdict_mode"`
	EnabledModules []string `json:"enabled_modules,omitempty"`
}

// ValidateRequest validates s and returns a field → message map, or nil if
// s passes validation.
func ValidateRequest(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errs := make(map[string]string)
	if validationErrs, ok := err.(playground.ValidationErrors); ok {
		for _, e := range validationErrs {
			field := strings.ToLower(e.Field())
			errs[field] = formatValidationError(e)
		}
	}
	return errs
}

// DecodeAndValidate reads a JSON body from r, decodes it into req, and
// validates it. On failure it writes a JSON error response to w and
// returns false; callers should stop handling the request in that case.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request format", err.Error())
		return false
	}

	if errs := ValidateRequest(req); errs != nil {
		writeValidationError(w, errs)
		return false
	}

	return true
}

func writeJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": details,
	})
}

func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  "validation failed",
		"fields": fields,
	})
}

func formatValidationError(e playground.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "audit_url":
		return "must be an absolute http or https URL"
	case "tier":
		return "must be one of: quick_scan, standard_audit, deep_forensic"
	case "verdict_mode":
		return "must be one of: simple, expert"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// validateAuditURL enforces the "absolute http/https URL" invariant from
// spec §3's audit_state.url field.
func validateAuditURL(fl playground.FieldLevel) bool {
	raw := fl.Field().String()
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func validateTier(fl playground.FieldLevel) bool {
	switch fl.Field().String() {
	case "quick_scan", "standard_audit", "deep_forensic":
		return true
	default:
		return false
	}
}

func validateVerdictMode(fl playground.FieldLevel) bool {
	switch fl.Field().String() {
	case "simple", "expert":
		return true
	default:
		return false
	}
}
