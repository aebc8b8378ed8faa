package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces the environment variables read by the CLI.
const EnvPrefix = "HYPOLINE"

// EnvPath returns the workspace .env path.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// LoadEnv loads the workspace .env without overriding variables already set.
// A missing file is fine.
func LoadEnv(workspace string) error {
	err := godotenv.Load(EnvPath(workspace))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// SetEnvValue sets key in the workspace .env, keeping the other entries.
func SetEnvValue(workspace, key, value string) error {
	path := EnvPath(workspace)
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		values = map[string]string{}
	} else if err != nil {
		return err
	}
	values[key] = value
	if err := godotenv.Write(values, path); err != nil {
		return err
	}
	return os.Setenv(key, value)
}

// Location resolves Office.Timezone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Office.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Office.Timezone)
}
