package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar names an env file that takes precedence over --env.
const EnvFileVar = "CANON_ENV_FILE"

// EnvLoader loads a .env file chosen by flag or CANON_ENV_FILE. Variables
// already present in the process environment are never overwritten.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fset *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fset == nil {
		fset = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	l := &EnvLoader{defaultPath: defaultPath}
	l.value = fset.String("env", defaultPath, description)
	return l
}

// Load reads the resolved env file and returns its path. A missing default
// file is not an error; a missing file that was asked for is.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	path, explicit := l.resolve()
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("load env file %s: %w", path, err)
	}
	return path, nil
}

func (l *EnvLoader) resolve() (string, bool) {
	if custom := strings.TrimSpace(os.Getenv(EnvFileVar)); custom != "" {
		return custom, true
	}
	requested := ""
	if l.value != nil {
		requested = strings.TrimSpace(*l.value)
	}
	if requested == "" || requested == l.defaultPath {
		return l.defaultPath, false
	}
	return requested, true
}
