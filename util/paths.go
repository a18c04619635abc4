package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides the directory config and data files live in.
const ConfigDirEnv = "FEDCORE_CONFIG_DIR"

// configBase picks $FEDCORE_CONFIG_DIR, then $XDG_CONFIG_HOME/fedcore,
// then ~/.config/fedcore.
func configBase() (string, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); filepath.IsAbs(xdg) {
		return filepath.Join(xdg, Name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory: %w", err)
	}
	return filepath.Join(home, ".config", Name), nil
}

// GetConfigDir returns the fedcore config directory, creating it if needed.
func GetConfigDir() (string, error) {
	dir, err := configBase()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath returns filename unchanged when it is absolute or exists
// relative to the working directory. Otherwise it is placed in the config
// directory, whether or not it exists there yet.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}
