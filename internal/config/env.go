package config

import (
	"os"
	"strings"
)

const envPrefix = "os.environ/"

// ResolveEnvVar expands an "os.environ/NAME" reference. Unset variables
// resolve to the empty string; other values are returned unchanged.
func ResolveEnvVar(value string) string {
	if key, ok := strings.CutPrefix(value, envPrefix); ok {
		return os.Getenv(key)
	}
	return value
}

func resolveEnvSlice(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if r := ResolveEnvVar(v); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func resolveEnvMap(values map[string]string) {
	for k, v := range values {
		values[k] = ResolveEnvVar(v)
	}
}
