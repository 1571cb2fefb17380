// Package env captures details about the environment the client runs
// in, such as where the local cache directory lives by default.
package env

import (
	"os"
	"path/filepath"
)

// Dircache is the default directory for the local cache (hash
// database, state file) when the configuration does not set one.
var Dircache = findDircache()

func findDircache() string {
	if env := os.Getenv("SAUVEGARDE_DIRCACHE"); env != "" {
		return env
	}
	return os.ExpandEnv("$HOME/.sauvegarde")
}

// DefaultConfigFile is where the client looks for its configuration
// when -config is not given.
func DefaultConfigFile() string {
	if env := os.Getenv("SAUVEGARDE_CONFIG"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sauvegarde", "client.conf")
	}
	return os.ExpandEnv("$HOME/.config/sauvegarde/client.conf")
}
