package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/stash/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the file written by Initialize.
const ConfigFile = "stash.yml"

// Initialize writes a starter stash.yml into dir.
// If force is true an existing stash.yml is replaced.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, ConfigFile)

	if !force {
		if err := CheckExisting(dir); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/stash.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read stash.yml template: %w", err)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The template must stay loadable as the schema evolves
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("generated %s is invalid: %w", ConfigFile, err)
	}

	return path, nil
}

// CheckExisting returns an error if dir already holds a stash.yml.
func CheckExisting(dir string) error {
	path := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists\n\nUse 'stash init --force' to overwrite it", path)
	}
	return nil
}
