package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration.
const (
	EnvHeaded         = "IMGREFETCH_HEADED"
	EnvBrowserChannel = "IMGREFETCH_BROWSER_CHANNEL"
	EnvForceBrowser   = "IMGREFETCH_FORCE_BROWSER"
	EnvStateDir       = "IMGREFETCH_STATE_DIR"
)

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing files
// are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration from environment variables read through getenv
// (os.Getenv when nil). It returns warnings for values it could not parse.
func (c *AppConfig) ApplyEnv(getenv func(string) string) (warnings []string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := strings.TrimSpace(getenv(EnvHeaded)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s=%q is not a boolean, ignoring", EnvHeaded, v))
		} else {
			c.Browser.Headed = &b
		}
	}
	if v := strings.TrimSpace(getenv(EnvBrowserChannel)); v != "" {
		c.Browser.Channel = v
	}
	if v := strings.TrimSpace(getenv(EnvForceBrowser)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s=%q is not a boolean, ignoring", EnvForceBrowser, v))
		} else {
			c.Policy.ForceBrowser = b
		}
	}
	if v := strings.TrimSpace(getenv(EnvStateDir)); v != "" {
		c.StateDir = v
	}
	return warnings
}
