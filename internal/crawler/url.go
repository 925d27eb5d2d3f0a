package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultErrorPageMarkers are substrings whose presence in a redirect target
// marks a soft 404.
var DefaultErrorPageMarkers = []string{"404", "error"}

// ValidateTaskURL checks that raw is an absolute http(s) URL.
func ValidateTaskURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTaskURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTaskURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTaskURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTaskURL)
	}
	return u, nil
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// IsErrorPage reports whether loading requested ended on a different URL
// that contains any marker. Only the landed path and query are inspected so
// hosts such as "error-free.com" do not trip the check, and a page that stayed
// on the requested URL is never an error page whatever its path holds.
func IsErrorPage(requested, location string, markers []string) bool {
	if location == "" || len(markers) == 0 || !Redirected(requested, location) {
		return false
	}
	target := strings.ToLower(location)
	if u, err := url.Parse(location); err == nil && u.Host != "" {
		target = strings.ToLower(u.EscapedPath() + "?" + u.RawQuery)
	}
	for _, marker := range markers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(target, marker) {
			return true
		}
	}
	return false
}

// Redirected reports whether location differs from requested once both are
// normalized. Unparseable URLs are compared verbatim.
func Redirected(requested, location string) bool {
	from, errFrom := NormalizeURL(requested)
	to, errTo := NormalizeURL(location)
	if errFrom != nil || errTo != nil {
		return strings.TrimSpace(requested) != strings.TrimSpace(location)
	}
	return from != to
}

// HostOf returns the lowercased host of raw or an empty string.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
