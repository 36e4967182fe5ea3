package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the default spool directory based on the host OS.
// It prefers standard locations when available and falls back to a dotdir
// in the user's home directory.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./mixpanel-data"
	}

	// XDG (Linux) override
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mixpanel")
	}

	// macOS: ~/Library/Application Support/Mixpanel
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "Mixpanel")
	}

	// Windows: %USERPROFILE%/AppData/Local/Mixpanel
	if isDir(filepath.Join(homeDir, "AppData")) {
		return filepath.Join(homeDir, "AppData", "Local", "Mixpanel")
	}

	// Fallback: ~/.mixpanel
	return filepath.Join(homeDir, ".mixpanel")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
