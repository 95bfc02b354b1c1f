package gateway

import (
	"errors"
	"net/url"
	"strings"
)

// URL validation errors.
var (
	ErrEmptyURL        = errors.New("URL cannot be empty")
	ErrInvalidURL      = errors.New("invalid URL format")
	ErrSchemeNotHTTP   = errors.New("only http and https URLs are allowed")
	ErrUserInfoPresent = errors.New("URLs with embedded credentials are not allowed")
)

// validateURL checks a caller-supplied download URL: http(s) only, a real
// host, no embedded credentials.
func validateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrSchemeNotHTTP
	}
	if u.User != nil {
		return ErrUserInfoPresent
	}
	if u.Hostname() == "" {
		return ErrInvalidURL
	}
	return nil
}

// normalizeURL strips fragments and trailing slashes for consistent
// artifact naming and caching.
func normalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""

	normalized := u.String()
	if strings.HasSuffix(normalized, "/") && u.Path != "/" {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}
