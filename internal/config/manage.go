package config

import (
	"fmt"
	"os"
	"strings"
)

// KeyInfo is one row of `carllm config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// Source is "env", "file" or "default".
	Source string
}

// ShowAll lists the effective value of every non-secret key in cfg along with
// where it was set.
func ShowAll(cfg Config) []KeyInfo {
	return showAll(cfg, newFileBackend(configFilePath()))
}

func showAll(cfg Config, b ConfigBackend) []KeyInfo {
	var rows []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		rows = append(rows, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprint(s.extract(cfg)),
			Source: origin(s, b),
		})
	}
	return rows
}

func origin(s keySpec, b ConfigBackend) string {
	if os.Getenv(s.env) != "" {
		return "env"
	}
	if _, ok, _ := b.GetString(s.key); ok {
		return "file"
	}
	return "default"
}

// lookupSpec finds a key that may be written to the config file.
func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret: use `carllm config set-api-key` or %s", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// SetKey validates value against the key's type and writes it to the config
// file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if n, ok := v.(int); ok {
		return b.SetInt(key, n)
	}
	return b.SetString(key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(newFileBackend(configFilePath()), key)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the names accepted by SetKey.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
