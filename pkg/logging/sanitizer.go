package logging

import (
	"net"
	"regexp"
	"strconv"
)

const (
	// MaxSnippetLength bounds raw file content quoted in logs.
	MaxSnippetLength = 120
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	// client_secret / access_token in form bodies or JSON
	tokenFieldPattern = regexp.MustCompile(`(?i)"?(client_secret|access_token|refresh_token)"?\s*[:=]\s*"?[^"&,\s}]+"?`)

	// user:pass@host in URLs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@[^/\s]+`)

	privateKeyPattern = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
)

// SanitizeConnectionString removes credentials from a database or Redis connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError renders an error with secrets removed. Use it for every
// fetch, SMTP and database error that goes into a log line or a failure reason.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText removes passwords, tokens, URL credentials and key material from s.
func SanitizeText(s string) string {
	sanitized := privateKeyPattern.ReplaceAllString(s, RedactedText)
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = tokenFieldPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeSFTPAddress renders user@host:port with the user masked apart from its first character.
func SanitizeSFTPAddress(user, host string, port int) string {
	masked := RedactedText
	if len(user) > 0 {
		masked = user[:1] + "***"
	}
	return masked + "@" + net.JoinHostPort(host, strconv.Itoa(port))
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
