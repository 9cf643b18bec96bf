package config

import (
	"os"
	"strings"
)

// expandEnv substitutes $VAR and ${VAR} references in the raw config text
// with environment variable values, so scan configs can reference broker
// URLs and webhook tokens without inlining secrets. ${VAR:-default} falls
// back to the default when the variable is unset or empty; an unset
// variable without a default expands to the empty string and fails, if it
// matters, at config validation.
func expandEnv(input string) string {
	return os.Expand(input, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}
