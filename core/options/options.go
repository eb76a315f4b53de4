// Package options reads typed values out of flat string maps such as a
// stage's capability map.
package options

import "strconv"

// String returns m[key] or def when absent or empty.
func String(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses m[key] as int, falling back to def on error or absence.
func Int(m map[string]string, key string, def int) int {
	if n, err := strconv.Atoi(String(m, key, "")); err == nil {
		return n
	}
	return def
}

// Bool parses m[key] as bool, falling back to def on error or absence.
func Bool(m map[string]string, key string, def bool) bool {
	if b, err := strconv.ParseBool(String(m, key, "")); err == nil {
		return b
	}
	return def
}
