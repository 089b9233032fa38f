package connector

import (
	"fmt"
	"strings"
)

// Connector configs arrive as decoded JSON objects from the source's
// config column; these helpers pull typed fields out of them.

func strField(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func intField(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolField(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func strSliceField(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{v}
		}
	}
	return nil
}

func strMapField(cfg map[string]any, key string) map[string]string {
	out := map[string]string{}
	raw, ok := cfg[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// requireFields verifies the presence of non-empty required config fields.
func requireFields(cfg map[string]any, fields ...string) error {
	var missing []string
	for _, field := range fields {
		if strField(cfg, field, "") == "" && strSliceField(cfg, field) == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
