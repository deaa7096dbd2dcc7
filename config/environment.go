package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	// DefaultPath is the config file used when no -config flag is given.
	DefaultPath = "config/config.yml"
)

var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"stag": environmentStaging,
	"stg":  environmentStaging,
}

// AppEnvironment reads APP_ENV, resolving aliases and defaulting to
// development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env should treat configuration problems
// as fatal rather than falling back to defaults.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// ResolvePath returns the environment specific variant of the default
// config file (config/config.<env>.yml) when path is the default and that
// file exists. Explicit paths are returned unchanged.
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultPath
	}
	if filepath.Clean(path) != filepath.Clean(DefaultPath) {
		return path
	}

	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
