package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	AppConfigDir = "federate"
	memoryDSN    = ":memory:"
)

// StateDir is where federate keeps its config, database and signing key.
// FEDERATE_HOME wins, then $XDG_CONFIG_HOME/federate, then ~/.config/federate.
// The directory is created private to the user since it holds the key.
func StateDir() (string, error) {
	dir := os.Getenv("FEDERATE_HOME")
	if dir == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("no home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
		dir = filepath.Join(base, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}
	return dir, nil
}

// resolveIn returns name untouched when it is absolute or exists relative
// to the working directory, otherwise its location under dir
func resolveIn(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// DatabasePath resolves the sqlite location. In-memory and file: dsns are
// handed to the driver as written.
func DatabasePath(conf *AppConfig) (string, error) {
	p := conf.Conf.DbPath
	if p == memoryDSN || strings.HasPrefix(p, "file:") {
		return p, nil
	}
	if p == "" {
		return "", fmt.Errorf("dbPath is empty")
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return resolveIn(dir, p), nil
}

// KeyPath resolves the pem file holding the instance actor's key pair
func KeyPath(conf *AppConfig) (string, error) {
	p := conf.Conf.KeyFile
	if p == "" {
		return "", fmt.Errorf("keyFile is empty")
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return resolveIn(dir, p), nil
}

// configPath is where ReadConf looks first; when neither copy exists it is
// where the defaults get written
func configPath() (path string, dir string) {
	dir, err := StateDir()
	if err != nil {
		return ConfigFileName, ""
	}
	return resolveIn(dir, ConfigFileName), dir
}
