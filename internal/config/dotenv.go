package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// DefaultDotEnvFile is the .env file looked up in the working directory.
const DefaultDotEnvFile = ".env"

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set are left untouched, so the process
// environment keeps precedence. A missing file is not an error.
// Returns true when a file was loaded.
func LoadDotEnv(path string, log *slog.Logger) (bool, error) {
	if path == "" {
		path = DefaultDotEnvFile
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		// A ".env" directory is a Python virtualenv, not a dotenv file.
		return false, nil
	}

	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("config: failed to load %s: %w", path, err)
	}

	log.Debug("config: loaded dotenv file", slog.String("path", path))
	return true, nil
}
