package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequest_Success(t *testing.T) {
	req := CreateAuditRequest{
		URL:         "https://example.com",
		Tier:        "standard_audit",
		VerdictMode: "simple",
	}

	errs := ValidateRequest(req)
	assert.Nil(t, errs)
}

func TestValidateRequest_VerdictModeOptional(t *testing.T) {
	req := CreateAuditRequest{
		URL:  "https://example.com",
		Tier: "quick_scan",
	}

	errs := ValidateRequest(req)
	assert.Nil(t, errs)
}

func TestValidateRequest_MissingRequiredFields(t *testing.T) {
	req := CreateAuditRequest{}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)
	assert.Contains(t, errs, "url")
	assert.Contains(t, errs, "tier")
}

func TestValidateAuditURL_Valid(t *testing.T) {
	validURLs := []string{
		"https://example.com",
		"http://example.com/path?query=1",
		"https://sub.example.com:8443/a/b",
	}

	for _, u := range validURLs {
		req := CreateAuditRequest{URL: u, Tier: "quick_scan"}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "URL should be valid: %s", u)
	}
}

func TestValidateAuditURL_Invalid(t *testing.T) {
	invalidURLs := []string{
		"not a url",
		"ftp://example.com",
		"example.com",
		"",
		"https://",
	}

	for _, u := range invalidURLs {
		req := CreateAuditRequest{URL: u, Tier: "quick_scan"}
		errs := ValidateRequest(req)
		assert.NotNil(t, errs, "URL should be invalid: %q", u)
		assert.Contains(t, errs, "url")
	}
}

func TestValidateTier_Valid(t *testing.T) {
	for _, tier := range []string{"quick_scan", "standard_audit", "deep_forensic"} {
		req := CreateAuditRequest{URL: "https://example.com", Tier: tier}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "tier should be valid: %s", tier)
	}
}

func TestValidateTier_Invalid(t *testing.T) {
	for _, tier := range []string{"", "bogus", "QUICK_SCAN", "quickscan"} {
		req := CreateAuditRequest{URL: "https://example.com", Tier: tier}
		errs := ValidateRequest(req)
		assert.NotNil(t, errs, "tier should be invalid: %q", tier)
		assert.Contains(t, errs, "tier")
	}
}

func TestValidateVerdictMode_Valid(t *testing.T) {
	for _, mode := range []string{"simple", "expert"} {
		req := CreateAuditRequest{URL: "https://example.com", Tier: "quick_scan", VerdictMode: mode}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "verdict_mode should be valid: %s", mode)
	}
}

func TestValidateVerdictMode_Invalid(t *testing.T) {
	req := CreateAuditRequest{URL: "https://example.com", Tier: "quick_scan", VerdictMode: "thorough"}
	errs := ValidateRequest(req)
	assert.NotNil(t, errs)
	assert.Contains(t, errs, "verdictmode")
}

func TestFormatValidationError_MessagesAreDescriptive(t *testing.T) {
	req := CreateAuditRequest{URL: "not a url", Tier: "bogus"}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)

	for field, msg := range errs {
		assert.NotEmpty(t, msg, "error message should not be empty for field: %s", field)
		assert.NotContains(t, msg, "validation failed", "should use a custom message for field: %s", field)
	}
}
