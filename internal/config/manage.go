package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from cfg. Secret values are masked.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			value = mask(value)
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: EnvVar(s.key), Value: value})
	}
	return result
}

func mask(v string) string {
	if v == "" {
		return "(not set)"
	}
	return "********"
}

// SetKey writes key=value into the YAML config file at path, keeping every
// other key in the file.
func SetKey(path, key, value string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, EnvVar(key))
	}

	var typed any = value
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		typed = i
	case kDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
	}

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	section, name, _ := strings.Cut(key, ".")
	sub, ok := doc[section].(map[string]any)
	if !ok {
		sub = map[string]any{}
	}
	sub[name] = typed
	doc[section] = sub

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// ValidKeys returns the list of settable config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
