package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for fully masked fields.
const RedactedValue = "[REDACTED]"

// MaskIdentifier partially masks a recipient identifier for log output.
// Emails keep their first character and domain, phone numbers keep the last
// four digits, anything else is fully redacted.
func MaskIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return identifier
	}
	if at := strings.LastIndex(identifier, "@"); at > 0 {
		return identifier[:1] + "***@" + identifier[at+1:]
	}
	if strings.HasPrefix(identifier, "+") && len(identifier) > 4 {
		return "+***" + identifier[len(identifier)-4:]
	}
	return RedactedValue
}

// Identifier returns a slog.Attr carrying the masked form of an identifier.
func Identifier(key, identifier string) slog.Attr {
	return slog.String(key, MaskIdentifier(identifier))
}
