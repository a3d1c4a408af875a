package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

//go:embed defaults.json
var defaultsJSON []byte

// envMapping maps canonical environment variable names to config paths.
var envMapping = map[string]string{
	"DATABASE_HOST":                "database.host",
	"DATABASE_PORT":                "database.port",
	"DATABASE_USER":                "database.user",
	"DATABASE_PASSWORD":            "database.password",
	"DATABASE_NAME":                "database.name",
	"STORAGE_SOURCE_DIR":           "storage.sourceDir",
	"STORAGE_PROCESSED_DIR":        "storage.processedDir",
	"STORAGE_LOGS_DIR":             "storage.logsDir",
	"COMPREFACE_BASE_URL":          "faceService.baseUrl",
	"COMPREFACE_DETECT_API_KEY":    "faceService.detectApiKey",
	"COMPREFACE_RECOGNIZE_API_KEY": "faceService.recognizeApiKey",
	"COMPREFACE_TIMEOUT":           "faceService.timeout",
	"COMPREFACE_MAX_CONCURRENCY":   "faceService.maxConcurrency",
	"COMPREFACE_DETECTION_LIMIT":   "faceService.detectionLimit",
	"COMPREFACE_DET_PROB":          "faceService.detProbThreshold",
	"SERVER_PORT":                  "server.port",
	"SERVER_SCAN_BATCH_SIZE":       "server.scanBatchSize",
	"GEMINI_API_KEY":               "providers.geminiApiKey",
	"OPENAI_TOKEN":                 "providers.openAiToken",
	"LEGACY_DATABASE_URL":          "legacy.databaseUrl",
}

// legacyEnvMapping maps deprecated variable names to config paths. Values
// are still honored, with a warning, so old deployments keep working.
var legacyEnvMapping = map[string]string{
	"MYSQL_HOST":          "database.host",
	"MYSQL_PORT":          "database.port",
	"MYSQL_USER":          "database.user",
	"MYSQL_PASSWORD":      "database.password",
	"MYSQL_DATABASE":      "database.name",
	"MEDIA_SOURCE_DIR":    "storage.sourceDir",
	"MEDIA_PROCESSED_DIR": "storage.processedDir",
	"COMPREFACE_URL":      "faceService.baseUrl",
	"PORT":                "server.port",
}

// Resolver layers configuration sources and exposes the resolved tree.
// Runtime overrides re-validate before taking effect.
type Resolver struct {
	mu           sync.RWMutex
	settingsPath string
	overrides    map[string]any
	resolved     *Config
}

// DefaultSettingsPath is consulted when no explicit settings path is given.
const DefaultSettingsPath = "config/settings.json"

// NewResolver builds a resolver. settingsPath may be empty, in which case
// DefaultSettingsPath is used if the file exists.
func NewResolver(settingsPath string) *Resolver {
	if settingsPath == "" {
		settingsPath = DefaultSettingsPath
	}
	return &Resolver{
		settingsPath: settingsPath,
		overrides:    make(map[string]any),
	}
}

// Load resolves all four layers and validates the result.
func (r *Resolver) Load() (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.resolve()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	r.resolved = cfg
	return cfg, nil
}

// Current returns the last resolved configuration, or nil before Load.
func (r *Resolver) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolved
}

// Set applies a runtime override at a dotted path (e.g. "image.jpegQuality")
// and re-validates. An invalid override is rejected and the previous
// configuration stays live.
func (r *Resolver) Set(path string, value any) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides[path] = value
	cfg, err := r.resolve()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		delete(r.overrides, path)
		return nil, err
	}
	r.resolved = cfg
	return cfg, nil
}

// resolve merges the four layers into a typed Config. Caller holds the lock.
func (r *Resolver) resolve() (*Config, error) {
	tree := make(map[string]any)

	var defaults map[string]any
	if err := json.Unmarshal(defaultsJSON, &defaults); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}
	deepMerge(tree, defaults)

	applyEnvLayer(tree)

	if userTree, err := readSettingsFile(r.settingsPath); err != nil {
		return nil, err
	} else if userTree != nil {
		deepMerge(tree, userTree)
	}

	for path, value := range r.overrides {
		setPath(tree, path, value)
	}

	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	return &cfg, nil
}

// readSettingsFile loads the optional user settings file. A missing file is
// not an error; a malformed one is.
func readSettingsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read settings file %s: %w", path, err)
	}

	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return tree, nil
}

// applyEnvLayer writes environment values into the tree. Legacy names are
// applied first so canonical names win when both are set.
func applyEnvLayer(tree map[string]any) {
	for name, path := range legacyEnvMapping {
		if v := os.Getenv(name); v != "" {
			log.Printf("config: %s is deprecated, use the canonical name instead", name)
			setPath(tree, path, coerceEnvValue(path, v))
		}
	}
	for name, path := range envMapping {
		if v := os.Getenv(name); v != "" {
			setPath(tree, path, coerceEnvValue(path, v))
		}
	}
}

// numericPaths lists config paths whose env values must be parsed as numbers.
var numericPaths = map[string]bool{
	"database.port":              true,
	"faceService.timeout":        true,
	"faceService.maxConcurrency": true,
	"faceService.detectionLimit": true,
	"server.port":                true,
	"server.scanBatchSize":       true,
}

// floatPaths lists config paths whose env values are fractional.
var floatPaths = map[string]bool{
	"faceService.detProbThreshold": true,
}

func coerceEnvValue(path, value string) any {
	if numericPaths[path] {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	if floatPaths[path] {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return value
}

// deepMerge merges src into dst. Nested maps merge recursively; every other
// value, including arrays, replaces the destination.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
			cloned := make(map[string]any, len(srcMap))
			deepMerge(cloned, srcMap)
			dst[key] = cloned
			continue
		}
		dst[key] = srcVal
	}
}

// setPath writes a value at a dotted path, creating intermediate maps.
func setPath(tree map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// Load resolves configuration with the default settings path. Convenience
// wrapper for CLI commands.
func Load() (*Config, error) {
	return NewResolver("").Load()
}
