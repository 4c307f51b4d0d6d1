// Package validation provides functions for validating input data.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var validServerNameRegex = regexp.MustCompile(`^[a-z0-9_\-]+$`)

// ValidateServerName validates that a backend server name only contains
// allowed characters: lowercase alphanumeric, underscore, and dash. Names
// double as routing prefixes on the unified endpoint, so dots and spaces
// are not allowed.
func ValidateServerName(name string) error {
	if name == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("server name cannot be empty or consist only of whitespace")
	}

	if strings.Contains(name, "\x00") {
		return fmt.Errorf("server name cannot contain null bytes")
	}

	if name != strings.ToLower(name) {
		return fmt.Errorf("server name must be lowercase")
	}

	if !validServerNameRegex.MatchString(name) {
		return fmt.Errorf("server name can only contain lowercase alphanumeric characters, underscores, and dashes: %q", name)
	}

	return nil
}

// ValidateHTTPHeaderName validates that a string is a valid HTTP header name per RFC 7230.
// It checks for CRLF injection, control characters, and ensures RFC token compliance.
func ValidateHTTPHeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("header name cannot be empty")
	}

	if len(name) > 256 {
		return fmt.Errorf("header name exceeds maximum length of 256 bytes")
	}

	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header name: %q", name)
	}

	return nil
}

// ValidateHTTPHeaderValue validates that a string is a valid HTTP header
// value per RFC 7230, rejecting CRLF injection and control characters.
func ValidateHTTPHeaderValue(value string) error {
	if len(value) > 8192 {
		return fmt.Errorf("header value exceeds maximum length of 8192 bytes")
	}

	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid header value")
	}

	return nil
}

// ValidateBackendURL validates a remote backend URL: it must parse, carry
// an http or https scheme, and name a host.
func ValidateBackendURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("the supplied URL %q is malformed", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("the supplied URL %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("the supplied URL %q has no host", raw)
	}
	return nil
}
