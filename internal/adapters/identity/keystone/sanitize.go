package keystone

import (
	"regexp"
	"strings"

	"github.com/cloudvia/keystone-sync/internal/errors"
)

const maxBackendIDLength = 255

var (
	invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)
	leadingNonAlnum  = regexp.MustCompile(`^[^a-zA-Z0-9]+`)
	digitsOnly       = regexp.MustCompile(`^[0-9]+$`)
)

// SanitizeName makes a name safe for Keystone: alphanumeric start, only
// alphanumerics plus dash, underscore and period, never digits-only.
func SanitizeName(name string) string {
	sanitized := strings.ReplaceAll(name, " ", "_")
	sanitized = invalidNameChars.ReplaceAllString(sanitized, "")
	sanitized = leadingNonAlnum.ReplaceAllString(sanitized, "")
	if digitsOnly.MatchString(sanitized) {
		sanitized = "project_" + sanitized
	}
	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}

// ValidateBackendID rejects identifiers that could never name a Keystone
// object, before any API call is made.
func ValidateBackendID(backendID string) error {
	if strings.TrimSpace(backendID) == "" {
		return errors.New(errors.CodeInvalidBackendID, "backend id cannot be empty")
	}
	if len(backendID) > maxBackendIDLength {
		return errors.Newf(errors.CodeInvalidBackendID, "backend id is too long (max %d characters)", maxBackendIDLength)
	}
	return nil
}

// DeriveUsername builds a Keystone username from an email address by taking
// the local part and sanitizing it.
func DeriveUsername(email string) (string, error) {
	local, _, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "", errors.Newf(errors.CodeBackendRejected, "cannot derive username from email %q", email)
	}
	username := SanitizeName(local)
	if username == "unnamed" {
		return "", errors.Newf(errors.CodeBackendRejected, "email %q cannot be converted to a valid username", email)
	}
	return username, nil
}
