package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "TRADEFLOW_CONFIG"

const defaultConfigPath = "configs/config.yaml"

// includeKey 列出在本文件之前合并的文件，路径相对于本文件。
const includeKey = "include"

// sections 是配置文件允许的顶层键。
var sections = map[string]bool{
	includeKey:     true,
	"app":          true,
	"store":        true,
	"engine":       true,
	"brokers":      true,
	"exit_targets": true,
	"notify":       true,
	"events":       true,
}

// ResolvePath 依次使用命令行参数、环境变量与默认路径。
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads path and its includes (depth first, includes before the file
// that names them, later files winning), then applies defaults and validates.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	r := &includeResolver{visiting: map[string]bool{}, merged: map[string]bool{}}
	if err := r.visit(abs, nil); err != nil {
		return nil, err
	}

	v := viper.New()
	for _, f := range r.files {
		if err := v.MergeConfigMap(f.settings); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", f.path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", abs, err)
	}
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type configFile struct {
	path     string
	settings map[string]any
}

// includeResolver orders config files so every include is merged before the
// file that names it. visiting holds the current include chain.
type includeResolver struct {
	visiting map[string]bool
	merged   map[string]bool
	files    []configFile
}

func (r *includeResolver) visit(path string, chain []string) error {
	path = filepath.Clean(path)
	chain = append(chain, path)
	if r.visiting[path] {
		return fmt.Errorf("config: include cycle detected: %s", describeChain(chain))
	}
	if r.merged[path] {
		return nil
	}
	settings, err := readConfigFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", describeChain(chain), err)
	}
	if err := checkSections(path, settings); err != nil {
		return err
	}
	includes, err := includeList(settings[includeKey])
	if err != nil {
		return fmt.Errorf("config: %s: %w", describeChain(chain), err)
	}
	r.visiting[path] = true
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc, chain); err != nil {
			return err
		}
	}
	delete(r.visiting, path)
	r.merged[path] = true
	delete(settings, includeKey)
	r.files = append(r.files, configFile{path: path, settings: settings})
	return nil
}

func readConfigFile(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func checkSections(path string, settings map[string]any) error {
	var unknown []string
	for k := range settings {
		if !sections[strings.ToLower(k)] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	known := make([]string, 0, len(sections))
	for k := range sections {
		known = append(known, k)
	}
	sort.Strings(known)
	return fmt.Errorf("config: %s: unknown section(s) %s (expected one of %s)",
		path, strings.Join(unknown, ", "), strings.Join(known, ", "))
}

// includeList accepts a single path or a list of paths.
func includeList(raw any) ([]string, error) {
	var items []any
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{val}
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths, got %T", includeKey, raw)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func describeChain(chain []string) string {
	return strings.Join(chain, " -> ")
}
