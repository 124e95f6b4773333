package outbox

import "regexp"

// maxErrorMessageLen bounds the stored error message so a verbose driver
// error cannot bloat the outbox table.
const maxErrorMessageLen = 512

var (
	urlCredentialsPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^/@\s]+@`)
	secretPairPattern     = regexp.MustCompile(`(?i)(password|passwd|secret|token|apikey|api_key|authorization)(\s*[:=]\s*)\S+`)
)

// sanitizeError strips credentials from an error message and truncates it
// to a storable length. Connection strings and key=value secrets are the
// usual leaks from driver and broker errors.
func sanitizeError(msg string) string {
	msg = urlCredentialsPattern.ReplaceAllString(msg, "$1***@")
	msg = secretPairPattern.ReplaceAllString(msg, "$1$2***")

	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}

	return msg
}
