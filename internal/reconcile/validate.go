package reconcile

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	MaxURLLength        = 2048
	MaxCustomCodeLength = 10
	MinExpiresInDays    = 1
	MaxExpiresInDays    = 365
)

// Form is what the user has typed.
type Form struct {
	URL           string
	CustomCode    string
	ExpiresInDays int // 0 means no expiry
}

// ValidateURL checks that rawURL is an absolute http or https URL.
func ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("url is required")
	}
	if len(rawURL) > MaxURLLength {
		return fmt.Errorf("url too long (max %d characters)", MaxURLLength)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			return errors.New("url must start with http:// or https://")
		}
		return errors.New("invalid url format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url must start with http:// or https://")
	}
	if parsed.Host == "" {
		return errors.New("invalid url format")
	}
	return nil
}

// ValidateCustomCode checks an optional user-chosen short code.
func ValidateCustomCode(code string) error {
	if code == "" {
		return nil
	}
	if len(code) > MaxCustomCodeLength {
		return fmt.Errorf("custom code too long (maximum %d characters)", MaxCustomCodeLength)
	}
	for _, c := range code {
		if !isCodeChar(c) {
			return errors.New("custom code contains invalid characters (only alphanumeric, dash, and underscore allowed)")
		}
	}
	return nil
}

// ValidateExpiresInDays checks an optional expiry. Zero means none.
func ValidateExpiresInDays(days int) error {
	if days == 0 {
		return nil
	}
	if days < MinExpiresInDays || days > MaxExpiresInDays {
		return fmt.Errorf("expiry must be between %d and %d days", MinExpiresInDays, MaxExpiresInDays)
	}
	return nil
}

// Validate checks every field of the form.
func (f Form) Validate() error {
	if err := ValidateURL(f.URL); err != nil {
		return err
	}
	if err := ValidateCustomCode(f.CustomCode); err != nil {
		return err
	}
	return ValidateExpiresInDays(f.ExpiresInDays)
}

func isCodeChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}
