package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in
// logs, such as bearer tokens and keystore passphrases.
const RedactedValue = "[REDACTED]"

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged so absent secrets stay visible as such.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr whose value is redacted when non-empty. The
// original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
