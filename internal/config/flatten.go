package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// field is one settable leaf of Config.
type field struct {
	index  []int
	kind   reflect.Kind
	secret bool
}

// fields maps every dot-separated key ("engine.max_hold_ms") to its leaf.
// Keys come from the json tags; a `secret:"true"` tag marks values that
// must be masked when shown.
var fields = collectFields(reflect.TypeOf(Config{}), "", nil)

func collectFields(t reflect.Type, prefix string, index []int) map[string]field {
	out := make(map[string]field)
	for i := range t.NumField() {
		sf := t.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		idx := append(index[:len(index):len(index)], i)
		if sf.Type.Kind() == reflect.Struct {
			for k, f := range collectFields(sf.Type, key, idx) {
				out[k] = f
			}
			continue
		}
		out[key] = field{index: idx, kind: sf.Type.Kind(), secret: sf.Tag.Get("secret") == "true"}
	}
	return out
}

// Keys lists every config key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsSecretKey reports whether key holds a value that must be masked.
func IsSecretKey(key string) bool {
	f, ok := fields[key]
	return ok && f.secret
}

func lookup(key string) (field, error) {
	f, ok := fields[key]
	if !ok {
		return field{}, fmt.Errorf("unknown config key: %s", key)
	}
	return f, nil
}

// Flatten returns every leaf of cfg under its dot-separated key, with the
// Go value of the field (string, int, bool or []string).
func Flatten(cfg *Config) map[string]any {
	v := reflect.ValueOf(cfg).Elem()
	out := make(map[string]any, len(fields))
	for key, f := range fields {
		out[key] = v.FieldByIndex(f.index).Interface()
	}
	return out
}

// parseValue converts a command-line value to the type of the field it is
// stored in. Lists accept a JSON array or a comma-separated string.
func parseValue(f field, raw string) (any, error) {
	switch f.kind {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", raw)
		}
		return n, nil
	case reflect.Slice:
		if strings.HasPrefix(strings.TrimSpace(raw), "[") {
			var list []string
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return nil, fmt.Errorf("expected a list of strings: %w", err)
			}
			return list, nil
		}
		list := []string{}
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		return list, nil
	}
	return nil, fmt.Errorf("unsupported field kind %s", f.kind)
}

// setPath stores value in the nested map m under a dot-separated key,
// replacing any scalar that sits where a section is expected.
func setPath(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// MaskSecrets returns a copy of flat with secret values shown as "***"
// plus their last four characters. Empty secrets stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if IsSecretKey(k) && ok && s != "" {
			v = "***" + s[max(0, len(s)-4):]
		}
		out[k] = v
	}
	return out
}
