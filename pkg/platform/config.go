package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GetEnv reads an environment variable, falling back to defaultVal when unset.
func GetEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

// EnvInt reads an integer environment variable. Unset or blank keeps defaultVal.
func EnvInt(key string, defaultVal int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %q is not an integer", key, val)
	}
	return i, nil
}

// EnvBool reads a boolean environment variable (true/false, 1/0, yes/no).
// Unset or blank keeps defaultVal.
func EnvBool(key string, defaultVal bool) (bool, error) {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return defaultVal, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %q is not a boolean", key, val)
	}
	return b, nil
}
