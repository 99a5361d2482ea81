package config

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/modplane/mode"
)

// ErrInvalidValue is returned by Normalize for values of the wrong shape.
var ErrInvalidValue = errors.New("invalid module config value")

var intType = reflect.TypeFor[int]()

// Normalize converts a loosely typed module declaration, as found in
// plugin manifests or external config stores, into a ModuleConfig.
func Normalize(raw map[string]any) (ModuleConfig, error) {
	m, err := Overlay(ModuleConfig{}, raw)
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	return m, err
}

// Overlay applies the keys present in raw on top of m. Unknown keys are
// ignored. Durations may be "5s" or a number of seconds, booleans accept
// yes/no and on/off, strategies accept their aliases.
func Overlay(m ModuleConfig, raw map[string]any) (ModuleConfig, error) {
	var errs []error
	field := func(key string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	for _, key := range slices.Sorted(maps.Keys(raw)) {
		v := raw[key]
		var err error
		switch strings.ToLower(key) {
		case "id":
			m.ID, err = toString(v)
		case "name":
			m.Name, err = toString(v)
			if err == nil && m.ID == "" && raw["id"] == nil {
				m.ID = m.Name
			}
		case "version":
			m.Version, err = toString(v)
		case "description":
			m.Description, err = toString(v)
		case "command", "entry_point":
			m.Command, err = toCommand(v)
		case "dir", "working_dir":
			m.Dir, err = toString(v)
		case "dependencies", "depends_on", "requires":
			m.Dependencies, err = toDependencies(v)
		case "enabled":
			var b bool
			if b, err = toBool(v); err == nil {
				m.Enabled = &b
			}
		case "mode", "strategy", "execution_mode":
			m.Mode, err = toStrategy(v)
		case "supported_modes", "modes":
			m.SupportedModes, err = toStrategies(v)
		case "switch_permitted", "mode_switch_permitted":
			m.SwitchPermitted, err = toBool(v)
		case "base_url", "service_url":
			m.BaseURL, err = toString(v)
		case "auth_type":
			m.AuthType, err = toString(v)
		case "auth_token":
			m.AuthToken, err = toString(v)
		case "env", "environment":
			m.Env, err = toStringMap(v)
		case "health_check_interval":
			var d Duration
			if d, err = toDuration(v); err == nil {
				m.HealthCheckInterval = d
			}
		case "restart_policy":
			var s string
			if s, err = toString(v); err == nil {
				m.RestartPolicy = RestartPolicy(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
			}
		case "max_restarts":
			m.MaxRestarts, err = toInt(v)
		}
		field(key, err)
	}
	return m, errors.Join(errs...)
}

func invalid(v any) error {
	return fmt.Errorf("%w: %v (%T)", ErrInvalidValue, v, v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(x), nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(x), nil
	}
	return "", invalid(v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "yes", "y", "on", "enabled":
			return true, nil
		case "no", "n", "off", "disabled", "":
			return false, nil
		}
		b, err := cast.FromType(strings.TrimSpace(x), reflect.TypeFor[bool]())
		if err != nil {
			return false, invalid(v)
		}
		return reflect.ValueOf(b).Bool(), nil
	}
	return false, invalid(v)
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		return int(x), nil
	case string:
		n, err := cast.FromType(strings.TrimSpace(x), intType)
		if err != nil {
			return 0, invalid(v)
		}
		return int(reflect.ValueOf(n).Int()), nil
	}
	return 0, invalid(v)
}

func toDuration(v any) (Duration, error) {
	d, err := ParseDuration(v)
	return Duration(d), err
}

func toStrings(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		parts := strings.Split(x, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	case []string:
		return slices.Clone(x), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, err := toString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, invalid(v)
}

// toCommand accepts an argument list or a whitespace separated string.
// Strings are never passed to a shell.
func toCommand(v any) ([]string, error) {
	if s, ok := v.(string); ok {
		return strings.Fields(s), nil
	}
	return toStrings(v)
}

func toStrategy(v any) (string, error) {
	s, err := toString(v)
	if err != nil || s == "" {
		return s, err
	}
	st, err := mode.ParseStrategy(s)
	if err != nil {
		return "", err
	}
	return string(st), nil
}

func toStrategies(v any) ([]string, error) {
	items, err := toStrings(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := toStrategy(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toStringMap(v any) (map[string]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return maps.Clone(x), nil
	case map[string]any:
		out := make(map[string]string, len(x))
		for k, item := range x {
			s, err := toString(item)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, invalid(v)
}

// toDependencies accepts a list whose items are either "id", "id>=1.2"
// style strings or maps with id, constraint and kind.
func toDependencies(v any) ([]DependencyEntry, error) {
	var items []any
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		items = x
	case []string:
		for _, s := range x {
			items = append(items, s)
		}
	case map[string]any:
		// {id: constraint} shorthand
		for _, id := range slices.Sorted(maps.Keys(x)) {
			c, err := toString(x[id])
			if err != nil {
				return nil, err
			}
			items = append(items, map[string]any{"id": id, "constraint": c})
		}
	default:
		return nil, invalid(v)
	}

	out := make([]DependencyEntry, 0, len(items))
	for _, item := range items {
		switch d := item.(type) {
		case string:
			out = append(out, parseDependency(d))
		case map[string]any:
			var entry DependencyEntry
			var err error
			if entry.ID, err = toString(firstOf(d, "id", "module_id", "name")); err != nil {
				return nil, err
			}
			if entry.Constraint, err = toString(firstOf(d, "constraint", "version")); err != nil {
				return nil, err
			}
			if entry.Kind, err = toString(d["kind"]); err != nil {
				return nil, err
			}
			if b, ok := d["optional"].(bool); ok && b && entry.Kind == "" {
				entry.Kind = "optional"
			}
			out = append(out, entry)
		default:
			return nil, invalid(item)
		}
	}
	return out, nil
}

func parseDependency(s string) DependencyEntry {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, "<>=!^~ ")
	if i < 0 {
		return DependencyEntry{ID: s}
	}
	return DependencyEntry{ID: s[:i], Constraint: strings.TrimSpace(s[i:])}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
