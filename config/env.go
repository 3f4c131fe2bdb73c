package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/bodrovis/kubex/apierr"
)

const (
	EnvServer    = "KUBEX_SERVER"
	EnvToken     = "KUBEX_TOKEN"
	EnvNamespace = "KUBEX_NAMESPACE"

	// maxDotEnvDepth bounds the upward search for a .env file.
	maxDotEnvDepth = 6
)

// LoadDotEnv loads the first .env found in dir or one of its parents
// (dir defaults to the working directory). Variables already set in the
// environment win. It returns the loaded path, or "" when there was none.
func LoadDotEnv(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", apierr.ConfigLoad("getwd", err)
		}
		dir = wd
	}

	for range maxDotEnvDepth + 1 {
		envPath := filepath.Join(dir, ".env")
		if fi, err := os.Stat(envPath); err == nil && !fi.IsDir() {
			if err := godotenv.Load(envPath); err != nil {
				return "", apierr.ConfigLoad("load "+envPath, err)
			}
			return envPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

// GetEnv returns the trimmed environment variable value if set, or the default.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
