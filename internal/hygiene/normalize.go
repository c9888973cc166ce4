// Package hygiene normalizes, redacts and scopes user-supplied identifiers so
// raw PII stays out of logs, metrics and cache keys.
package hygiene

import (
	"regexp"
	"strings"
)

// ScopeSeparator joins an identifier with its company and org scope.
const ScopeSeparator = "::"

var companyCodePattern = regexp.MustCompile(`^[A-Z0-9_-]{2,32}$`)

// NormalizeCompanyCode trims and upper-cases a company code. Blank input
// reports false.
func NormalizeCompanyCode(code string) (string, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

func IsValidCompanyCode(code string) bool {
	normalized, ok := NormalizeCompanyCode(code)
	return ok && companyCodePattern.MatchString(normalized)
}

// NormalizeIdentifier trims and lower-cases a login identifier (email or
// employee id).
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// BuildOtpKey composes the lookup key for an OTP subject. Corporate logins
// produce employeeId::COMPANY::orgId, personal logins email::orgId. The result
// still carries PII and must be hashed before it is used as a cache key.
func BuildOtpKey(identifier, companyCode, orgID string) string {
	parts := []string{NormalizeIdentifier(identifier)}
	if code, ok := NormalizeCompanyCode(companyCode); ok {
		parts = append(parts, code)
	}
	if org := strings.TrimSpace(orgID); org != "" {
		parts = append(parts, org)
	}
	return strings.Join(parts, ScopeSeparator)
}
