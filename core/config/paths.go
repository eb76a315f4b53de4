package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigPath returns the default config file path for the given
// component file name (e.g. "stage.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath builds the config path for goos using the given base
// directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "stagebridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		return filepath.Join(strings.TrimRight(programData, "\\/"), "stagebridge", name)
	default:
		return filepath.Join("/etc", "stagebridge", name)
	}
}

// GetEnv returns the value of key or def when unset or empty.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// SplitComma splits a comma separated list, trimming blanks and dropping empty items.
func SplitComma(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
