package logging

import (
	"net/url"
	"regexp"
	"unicode/utf8"
)

const (
	// MaxTextLogLength is the maximum number of characters of node text to log
	MaxTextLogLength = 80
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match potential passwords in connection strings
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Pattern to match JWT tokens (three base64 segments separated by dots)
	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// Pattern to match tokens passed as query parameters (WebSocket handshakes)
	tokenParamPattern = regexp.MustCompile(`(?i)(token|access_token)=[^;&\s]+`)

	// Pattern to match storage secret keys
	secretKeyPattern = regexp.MustCompile(`(?i)(secret[_-]?key|access[_-]?key)=[A-Za-z0-9/+=_-]{8,}`)

	// Pattern to match connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)
)

// SanitizeConnectionString removes sensitive data from connection strings
// Use this before logging any connection string
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data
// Use this before logging any error from database, Redis or storage operations
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = tokenParamPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = secretKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeURL redacts token query parameters from a request URL.
// WebSocket clients that cannot set headers pass their JWT as ?token=.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	for _, key := range []string{"token", "access_token"} {
		if q.Has(key) {
			q.Set(key, RedactedText)
		}
	}
	return u.Path + "?" + q.Encode()
}

// TruncateText shortens s to at most maxRunes characters and adds an ellipsis.
// Node text is user content and can be arbitrarily long.
func TruncateText(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}

// NodeText truncates node text for logging.
func NodeText(s string) string {
	return TruncateText(s, MaxTextLogLength)
}
