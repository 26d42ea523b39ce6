package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toTree flattens cfg into its JSON shape so fields can be addressed by the
// same names the config file uses.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "api.endpoint").
// List items are addressed by index ("chat.welcomeSuggestions.0").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid list index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets an existing config value by dot-notation path. The raw
// string is converted to the type the field already has; list fields take a
// comma-separated value.
func SetByPath(cfg *Config, path string, raw string) error {
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := tree
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	current, ok := parent[last]
	if !ok {
		// omitempty fields are absent while unset
		current, ok = optionalField(path)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
	}

	val, err := coerce(current, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[last] = val

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// optionalField returns a zero value of the right kind for fields that are
// dropped from the JSON tree when empty.
func optionalField(path string) (any, bool) {
	switch path {
	case "general.logFile", "general.logFormat", "http.apiKey",
		"cache.redisAddr", "cache.redisUsername", "cache.redisPassword":
		return "", true
	case "api.fallbackEndpoints":
		return []any{}, true
	case "cache.redisDB":
		return float64(0), true
	case "cache.redisTLS":
		return false, true
	}
	return nil, false
}

func coerce(current any, raw string) (any, error) {
	switch current.(type) {
	case string:
		return raw, nil
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	case []any, nil:
		items := []string{}
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("cannot set a %T value", current)
	}
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	if out.API.APIKey != "" {
		out.API.APIKey = maskString(out.API.APIKey)
	}
	if out.Telegram.Token != "" {
		out.Telegram.Token = maskString(out.Telegram.Token)
	}
	if out.HTTP.APIKey != "" {
		out.HTTP.APIKey = maskString(out.HTTP.APIKey)
	}
	if out.Cache.RedisPass != "" {
		out.Cache.RedisPass = "***"
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", tree, result)
	return result
}

func flatten(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, result)
			continue
		}
		result[path] = v
	}
}
