package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveFragments are matched against lower-cased attribute keys. Any key
// containing one of them is masked by the handler regardless of call site.
var sensitiveFragments = []string{
	"secret",
	"token",
	"password",
	"passphrase",
	"authorization",
	"seed",
	"private",
	"signature",
	"dsn",
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskField always masks a non-empty value, for values that are sensitive in
// context even though the key is not (file system paths, endpoints).
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactAttr masks string-like values logged under sensitive keys. Group
// values are left to the handler, which calls back for each member.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
