package outbox

import (
	"regexp"
	"strings"
)

// Error messages end up in the error_message column and in operator
// tooling, so they are redacted and bounded before storage.
const maxStoredErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

// credentialURLPattern matches user:password@ segments in connection URLs,
// the most common secret to leak through broker and database errors.
var credentialURLPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`)

var bearerTokenPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`)

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())
	msg = credentialURLPattern.ReplaceAllString(msg, `$1:`+redactedValue+`@`)
	msg = bearerTokenPattern.ReplaceAllString(msg, "Bearer "+redactedValue)

	return truncateError(msg, maxStoredErrorLength)
}

func truncateError(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(errorTruncatedSuffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + errorTruncatedSuffix
}
