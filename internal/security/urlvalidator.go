package security

import (
	"fmt"
	"net/url"
)

var (
	ErrInvalidScheme = fmt.Errorf("only http and https URLs are allowed")
	ErrMissingHost   = fmt.Errorf("URL has no host")
)

// ValidateSourceURL checks that a grounding source URI is safe to surface
// as a clickable link. Grounding metadata comes from an external service,
// so anything that is not a plain web URL is rejected.
func ValidateSourceURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return ErrInvalidScheme
	}

	if parsed.Host == "" {
		return ErrMissingHost
	}

	return nil
}
