package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend abstracts where non-secret config values are persisted.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// fileBackend keeps config as a flat map of dotted keys such as
// "models.judge". The file is YAML unless its name ends in .json.
type fileBackend struct {
	path   string
	values map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	if err := b.read(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] config file %s: %v. Using default values.\n", path, err)
	}
	return b
}

func (b *fileBackend) isJSON() bool {
	return strings.EqualFold(filepath.Ext(b.path), ".json")
}

func (b *fileBackend) read() error {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// yaml.v3 also accepts JSON documents.
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parsing: %w", err)
	}
	if values != nil {
		b.values = values
	}
	return nil
}

func (b *fileBackend) write() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	marshal := yaml.Marshal
	if b.isJSON() {
		marshal = func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
	}
	out, err := marshal(b.values)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, out, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	return asString(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	n, err := asInt(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

func (b *fileBackend) SetString(key, val string) error { return b.put(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.put(key, val) }

func (b *fileBackend) Delete(key string) error {
	delete(b.values, key)
	return b.write()
}

func (b *fileBackend) put(key string, v any) error {
	b.values[key] = v
	return b.write()
}

// asString flattens a decoded value. Sequences become comma-separated lists,
// which is how models.fanout may be written.
func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, p := range val {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, fmt.Errorf("%v is not an integer", val)
		}
		return int(val), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(val))
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
