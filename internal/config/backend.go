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

// ConfigBackend abstracts persistent config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// xdgDir resolves $env, falling back to home/rel, and appends the app
// directory. Without a home directory it returns fallback.
func xdgDir(env, rel, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, rel, appDir)
}

const appDir = "medidash"

func configDir() string { return xdgDir("XDG_CONFIG_HOME", ".config", appDir) }

// dataHome holds the SQLite database and the file secret store.
func dataHome() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), appDir+"-data")
}

// configFilePath prefers an existing config.yaml (or .yml) and falls back
// to config.json.
func configFilePath() string {
	dir := configDir()
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// fileBackend stores config as a flat key/value object in a JSON or YAML
// file, chosen by extension.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(b.path))
	return ext == ".yaml" || ext == ".yml"
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if b.isYAML() {
		err = yaml.Unmarshal(data, &b.data)
	} else {
		err = json.Unmarshal(data, &b.data)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
	if b.data == nil {
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	var (
		data []byte
		err  error
	)
	if b.isYAML() {
		data, err = yaml.Marshal(b.data)
	} else {
		data, err = json.MarshalIndent(b.data, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), true, nil
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	n, err := asInt(v)
	if err != nil {
		return 0, true, fmt.Errorf("config key %s: %w", key, err)
	}
	return n, true, nil
}

// asInt coerces a decoded file value. JSON yields float64, YAML yields int,
// and hand-edited files sometimes quote numbers.
func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt || n > math.MaxInt {
			return 0, fmt.Errorf("%v is not an integer in range", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.save()
}
