package logging

import (
	"strings"

	"go.uber.org/zap"
)

// Redact masks a secret so that only its last four characters survive.
func Redact(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "bearer ") {
		return "Bearer " + mask(trimmed[7:])
	}
	return mask(trimmed)
}

// Secret is a zap field that logs a redacted value.
func Secret(key, value string) zap.Field {
	return zap.String(key, Redact(value))
}

func mask(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
