package exitplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradeflow/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Profile 描述一组退出目标（百分比，相对入场价）。
type Profile struct {
	MinProfitPct float64 `mapstructure:"min_profit_pct" yaml:"min_profit_pct" json:"min_profit_pct"`
	TargetPct    float64 `mapstructure:"target_pct" yaml:"target_pct" json:"target_pct"`
	StretchPct   float64 `mapstructure:"stretch_pct" yaml:"stretch_pct" json:"stretch_pct"`
}

// FileConfig 映射 exit_targets。
type FileConfig struct {
	ExitTargets struct {
		Default Profile            `yaml:"default"`
		Symbols map[string]Profile `yaml:"symbols"`
	} `yaml:"exit_targets"`
}

// Snapshot 公开的目标快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Default  Profile
	Symbols  map[string]Profile
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry holds the live exit target configuration. Trades copy the prices
// derived from it at entry fill, so a reload never touches open trades.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取配置文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("exit target registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read exit target config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("exit target reload failed, keeping version %d: %v", r.Snapshot().Version, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// NewStatic builds a registry that never reloads.
func NewStatic(def Profile, symbols map[string]Profile) *Registry {
	r := &Registry{}
	r.snapshot = Snapshot{Version: 1, LoadedAt: time.Now(), Default: def, Symbols: normalizeSymbols(symbols)}
	return r
}

// Snapshot 返回当前目标集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Resolve returns the profile for symbol, falling back to the default.
func (r *Registry) Resolve(symbol string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.snapshot.Symbols[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return p
	}
	return r.snapshot.Default
}

// OnChange registers a listener invoked after each successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload forces a re-read of the backing file.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	if err := r.reload(); err != nil {
		return err
	}
	r.notifyListeners()
	return nil
}

func (r *Registry) reload() error {
	cfg, err := readTargetFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Default:  cfg.ExitTargets.Default,
		Symbols:  normalizeSymbols(cfg.ExitTargets.Symbols),
	}
	count := len(r.snapshot.Symbols)
	r.mu.Unlock()
	logger.Infof("Exit target registry loaded default + %d symbol overrides from %s", count, filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("exit target listener")
			cb(snap)
		}(fn)
	}
}

func normalizeSymbols(in map[string]Profile) map[string]Profile {
	out := make(map[string]Profile, len(in))
	for sym, p := range in {
		key := strings.ToUpper(strings.TrimSpace(sym))
		if key == "" {
			continue
		}
		out[key] = p
	}
	return out
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Symbols = make(map[string]Profile, len(src.Symbols))
	for k, v := range src.Symbols {
		dst.Symbols[k] = v
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readTargetFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read exit target config failed: %w", err)
	}
	if err := validateDocument(raw); err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse exit target config failed: %w", err)
	}
	return cfg, nil
}

const targetSchema = `{
  "type": "object",
  "required": ["exit_targets"],
  "properties": {
    "exit_targets": {
      "type": "object",
      "required": ["default"],
      "additionalProperties": false,
      "properties": {
        "default": {"$ref": "#/$defs/profile"},
        "symbols": {"type": "object", "additionalProperties": {"$ref": "#/$defs/profile"}}
      }
    }
  },
  "$defs": {
    "profile": {
      "type": "object",
      "additionalProperties": false,
      "required": ["target_pct"],
      "properties": {
        "min_profit_pct": {"type": "number", "minimum": 0},
        "target_pct": {"type": "number", "exclusiveMinimum": 0},
        "stretch_pct": {"type": "number", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("exit_targets.json", strings.NewReader(targetSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("exit_targets.json")
	})
	return schemaCompiled, schemaErr
}

// validateDocument checks the YAML document against the JSON schema. The
// document is round-tripped through encoding/json so number types match
// what the validator expects.
func validateDocument(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse exit target config failed: %w", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("exit target config is not JSON compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return err
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile exit target schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("exit target config invalid: %w", err)
	}
	return nil
}
