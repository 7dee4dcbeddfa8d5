package gitws

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	reBasicAuth = regexp.MustCompile(`(https?://)[^@/\s]+@`)
	reTokenArg  = regexp.MustCompile(`(oauth2|gitlab-ci-token|x-oauth-basic):[^@\s]+`)
)

// Sanitize scrubs credentials embedded in URLs from s. Every error message,
// log field, and metric label that might carry a clone URL goes through here.
func Sanitize(s string) string {
	s = reBasicAuth.ReplaceAllString(s, "${1}[REDACTED]@")
	s = reTokenArg.ReplaceAllString(s, "${1}:[REDACTED]")
	return s
}

// sanitizedErrorf formats like fmt.Errorf but scrubs the final message.
// Wrapping is deliberately dropped: a wrapped error could resurface the
// unscrubbed text via %+v somewhere downstream.
func sanitizedErrorf(format string, args ...any) error {
	return fmt.Errorf("%s", Sanitize(fmt.Sprintf(format, args...)))
}

// ValidateCloneURL enforces the clone URL invariants: https scheme (http only
// when explicitly allowed for testing), no userinfo in the authority, and a
// present host and path.
func ValidateCloneURL(raw string, allowHTTP bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid clone url: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowHTTP {
			return fmt.Errorf("clone url scheme %q is not allowed", u.Scheme)
		}
	default:
		return fmt.Errorf("clone url scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("clone url must not embed credentials")
	}
	if u.Host == "" {
		return fmt.Errorf("clone url is missing a host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("clone url is missing a repository path")
	}
	return nil
}

// authURL embeds the token into the authority portion of the clone URL.
// The result must never reach a log or error surface unsanitized.
func authURL(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid clone url: %w", err)
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}
